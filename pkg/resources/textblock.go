package resources

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/transport"
)

// TextBlockResource inserts or updates a marked, delimited block inside an
// existing file, matched by marker strings, without disturbing content
// outside the markers.
type TextBlockResource struct {
	// Path is the file to edit on the target.
	Path string

	// Marker is the marker line template; "{mark}" is replaced with BEGIN
	// and END. Default: "# {mark} MANAGED BLOCK".
	Marker string

	// Block is the content placed between the markers, without the marker
	// lines themselves.
	Block string

	// CreateFile creates the file when it does not exist. When false, a
	// missing file is an error.
	CreateFile bool
}

// Kind returns the adapter kind.
func (b *TextBlockResource) Kind() Kind {
	return KindTextBlock
}

func (b *TextBlockResource) markers() (begin, end string) {
	marker := b.Marker
	if marker == "" {
		marker = "# {mark} MANAGED BLOCK"
	}
	return strings.Replace(marker, "{mark}", "BEGIN", 1),
		strings.Replace(marker, "{mark}", "END", 1)
}

// Splice returns the file content with the managed block in place, and
// whether that differs from the input. It is pure text manipulation: content
// outside the markers is preserved byte for byte.
func (b *TextBlockResource) Splice(content []byte) ([]byte, bool, error) {
	begin, end := b.markers()
	desired := begin + "\n" + strings.TrimRight(b.Block, "\n") + "\n" + end

	lines := strings.Split(string(content), "\n")
	beginIdx, endIdx := -1, -1
	for i, line := range lines {
		if line == begin && beginIdx == -1 {
			beginIdx = i
		} else if line == end && beginIdx != -1 {
			endIdx = i
			break
		}
	}

	var out []string
	switch {
	case beginIdx == -1:
		// No existing block: append, keeping a single trailing newline.
		out = lines
		for len(out) > 0 && out[len(out)-1] == "" {
			out = out[:len(out)-1]
		}
		out = append(out, strings.Split(desired, "\n")...)
	case endIdx == -1:
		return nil, false, fmt.Errorf("begin marker without end marker in %s", b.Path)
	default:
		out = append(out[:0:0], lines[:beginIdx]...)
		out = append(out, strings.Split(desired, "\n")...)
		out = append(out, lines[endIdx+1:]...)
	}

	result := strings.Join(out, "\n")
	if !strings.HasSuffix(result, "\n") {
		result += "\n"
	}
	changed := !bytes.Equal(normalize([]byte(result)), normalize(content))
	return []byte(result), changed, nil
}

// Check reports whether the file already contains the desired block.
func (b *TextBlockResource) Check(ctx context.Context, r transport.Runner, elevated bool) (bool, error) {
	if b.Path == "" {
		return false, fmt.Errorf("path is required")
	}

	content, exists, err := b.read(ctx, r, elevated)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	_, changed, err := b.Splice(content)
	if err != nil {
		return false, err
	}
	return !changed, nil
}

// Apply splices the block into the file when it is missing or stale.
func (b *TextBlockResource) Apply(ctx context.Context, r transport.Runner, elevated bool) (Status, error) {
	if b.Path == "" {
		return StatusUnchanged, fmt.Errorf("path is required")
	}

	content, exists, err := b.read(ctx, r, elevated)
	if err != nil {
		return StatusUnchanged, err
	}
	if !exists {
		content = nil
	}

	updated, changed, err := b.Splice(content)
	if err != nil {
		return StatusUnchanged, err
	}
	if exists && !changed {
		return StatusUnchanged, nil
	}

	if err := r.WriteFile(ctx, b.Path, updated, 0644, elevated); err != nil {
		return StatusUnchanged, err
	}
	return StatusChanged, nil
}

// read loads the target file, reporting absence separately from failure.
func (b *TextBlockResource) read(ctx context.Context, r transport.Runner, elevated bool) ([]byte, bool, error) {
	exists, err := r.FileExists(ctx, b.Path, elevated)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		if !b.CreateFile {
			return nil, false, fmt.Errorf("file does not exist: %s", b.Path)
		}
		return nil, false, nil
	}
	content, err := r.ReadFile(ctx, b.Path, elevated)
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}
