package transport

import (
	"context"
	"path/filepath"
	"testing"
)

func TestLocalRunnerRun(t *testing.T) {
	r := NewLocalRunner()

	result, err := r.Run(context.Background(), "echo hello", false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
	if result.Stdout != "hello" {
		t.Errorf("stdout = %q", result.Stdout)
	}
}

func TestLocalRunnerNonZeroExitIsNotAnError(t *testing.T) {
	r := NewLocalRunner()

	result, err := r.Run(context.Background(), "exit 3", false)
	if err != nil {
		t.Fatalf("Run returned transport error for clean non-zero exit: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
}

func TestLocalRunnerFileRoundTrip(t *testing.T) {
	r := NewLocalRunner()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dir", "artifact.txt")

	exists, err := r.FileExists(ctx, path, false)
	if err != nil {
		t.Fatalf("FileExists failed: %v", err)
	}
	if exists {
		t.Fatal("file should not exist yet")
	}

	content := []byte("kubeadm join 10.0.0.1:6443 --token abc.def\n")
	if err := r.WriteFile(ctx, path, content, 0600, false); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	exists, err = r.FileExists(ctx, path, false)
	if err != nil {
		t.Fatalf("FileExists failed: %v", err)
	}
	if !exists {
		t.Fatal("file should exist after write")
	}

	data, err := r.ReadFile(ctx, path, false)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("round trip mismatch: %q", data)
	}
}
