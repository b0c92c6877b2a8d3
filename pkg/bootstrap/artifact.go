// Package bootstrap drives the two-phase cluster formation protocol: the
// control phase initializes the control plane and captures its output as the
// token artifact, and the worker phase replays the artifact's join command on
// every worker. The worker phase never starts unless the control phase
// completed and a valid artifact exists.
package bootstrap

import (
	"fmt"
	"os"
	"strings"
)

// joinMarker must appear in the artifact's extracted join command; an
// artifact without it is not usable init output.
const joinMarker = "kubeadm join"

// ArtifactStore locates the token artifact on the orchestrator host. The
// artifact is written once per run, by the control play's persist task,
// strictly before any worker-phase read; the control-phase completion
// barrier stands in for locking.
type ArtifactStore struct {
	path string
}

// NewArtifactStore creates a store backed by the given local path.
func NewArtifactStore(path string) *ArtifactStore {
	return &ArtifactStore{path: path}
}

// Path returns the artifact's location on the orchestrator host.
func (s *ArtifactStore) Path() string {
	return s.path
}

// Read returns the persisted artifact.
func (s *ArtifactStore) Read() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token artifact: %w", err)
	}
	return data, nil
}

// Exists reports whether an artifact is present, from this run or an
// earlier one.
func (s *ArtifactStore) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && !info.IsDir()
}

// Validate confirms the persisted artifact carries an executable join
// command in its tail.
func (s *ArtifactStore) Validate() error {
	data, err := s.Read()
	if err != nil {
		return err
	}
	_, err = ExtractJoinCommand(data)
	return err
}

// ExtractJoinCommand returns the join command carried in the artifact's
// last two lines. The init output ends with the multi-line join command, so
// the tail is the executable part and everything above it is advisory text.
func ExtractJoinCommand(artifact []byte) (string, error) {
	text := strings.TrimRight(string(artifact), " \t\n")
	if text == "" {
		return "", fmt.Errorf("token artifact is empty")
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return "", fmt.Errorf("token artifact has no join command tail")
	}
	tail := strings.Join(lines[len(lines)-2:], "\n")
	if !strings.Contains(tail, joinMarker) {
		return "", fmt.Errorf("artifact tail does not contain a %q command", joinMarker)
	}
	return tail, nil
}
