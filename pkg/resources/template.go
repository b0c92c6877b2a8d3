package resources

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"text/template"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/transport"
)

// TemplateResource renders a parameterized file to a destination. It reports
// Changed iff the rendered bytes differ from the existing file.
type TemplateResource struct {
	// Source is the template text.
	Source string

	// SourceFunc supplies the template text lazily; it takes precedence
	// over Source. Used when the content only exists at run time, such as
	// captured command output.
	SourceFunc func() (string, error)

	// Dest is the destination path on the target.
	Dest string

	// Mode is the destination file mode (default: 0644).
	Mode fs.FileMode

	// Owner and Group set destination ownership when non-empty.
	Owner string
	Group string

	// Data is the template parameter data.
	Data any

	// DataFunc supplies parameter data lazily; it takes precedence over
	// Data.
	DataFunc func() any

	// Raw skips template evaluation and writes the source verbatim. Used
	// for opaque blobs that may contain template-like syntax.
	Raw bool
}

// Kind returns the adapter kind.
func (t *TemplateResource) Kind() Kind {
	return KindFileTemplate
}

// Render produces the desired destination bytes. It is pure: rendering never
// touches the target.
func (t *TemplateResource) Render() ([]byte, error) {
	source := t.Source
	if t.SourceFunc != nil {
		var err error
		source, err = t.SourceFunc()
		if err != nil {
			return nil, fmt.Errorf("failed to load template source: %w", err)
		}
	}

	if t.Raw {
		return []byte(source), nil
	}

	data := t.Data
	if t.DataFunc != nil {
		data = t.DataFunc()
	}

	tmpl, err := template.New("resource").Option("missingkey=error").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}
	return buf.Bytes(), nil
}

// Check reports whether the destination already holds the rendered bytes.
func (t *TemplateResource) Check(ctx context.Context, r transport.Runner, elevated bool) (bool, error) {
	if t.Dest == "" {
		return false, fmt.Errorf("destination path is required")
	}

	desired, err := t.Render()
	if err != nil {
		return false, err
	}

	exists, err := r.FileExists(ctx, t.Dest, elevated)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	current, err := r.ReadFile(ctx, t.Dest, elevated)
	if err != nil {
		return false, err
	}
	return bytes.Equal(normalize(current), normalize(desired)), nil
}

// Apply writes the rendered bytes when they differ from the destination.
func (t *TemplateResource) Apply(ctx context.Context, r transport.Runner, elevated bool) (Status, error) {
	inSync, err := t.Check(ctx, r, elevated)
	if err != nil {
		return StatusUnchanged, err
	}
	if inSync {
		return StatusUnchanged, nil
	}

	desired, err := t.Render()
	if err != nil {
		return StatusUnchanged, err
	}

	mode := t.Mode
	if mode == 0 {
		mode = 0644
	}
	if err := r.WriteFile(ctx, t.Dest, desired, mode, elevated); err != nil {
		return StatusUnchanged, err
	}

	if t.Owner != "" || t.Group != "" {
		ownership := t.Owner
		if t.Group != "" {
			ownership += ":" + t.Group
		}
		if _, err := runOK(ctx, r, fmt.Sprintf("chown %s %s", ownership, t.Dest), elevated); err != nil {
			return StatusChanged, err
		}
	}
	return StatusChanged, nil
}

// normalize strips a single trailing newline so elevated reads, which go
// through cat and lose it, compare equal to the rendered bytes.
func normalize(b []byte) []byte {
	return bytes.TrimSuffix(b, []byte("\n"))
}
