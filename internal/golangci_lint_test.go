package internal

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// TestGolangciLintCompliance runs golangci-lint over the module so lint
// failures show up in go test. It is skipped when golangci-lint is not
// installed.
func TestGolangciLintCompliance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping lint in short mode")
	}
	if _, err := exec.LookPath("golangci-lint"); err != nil {
		t.Skip("golangci-lint not found in PATH, skipping test")
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	// Tests run from internal/; lint the whole module.
	projectRoot := filepath.Dir(wd)

	cmd := exec.Command("golangci-lint", "run", "--allow-parallel-runners", "./...")
	cmd.Dir = projectRoot
	// A private build cache keeps the run working in read-only sandboxes.
	cmd.Env = append(os.Environ(), "GOCACHE="+t.TempDir())
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Errorf("golangci-lint found issues:\n%s", output)
	}
}
