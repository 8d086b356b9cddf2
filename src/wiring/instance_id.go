package wiring

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mrofi/vssmirror/src/lock"
)

const instanceIDFilename = "instance_id"

// ReadOrGenerateInstanceID loads the sidecar instance_id file under
// workingDir, creating it with a fresh random holder ID on first run.
// Ported from store_builder.rs's read_or_generate_instance_id /
// generate_instance_id.
func ReadOrGenerateInstanceID(workingDir string) (string, error) {
	path := filepath.Join(workingDir, instanceIDFilename)

	contents, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(contents)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("wiring: reading %s: %w", path, err)
	}

	id, err := lock.NewHolderID()
	if err != nil {
		return "", fmt.Errorf("wiring: generating instance id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("wiring: writing %s: %w", path, err)
	}
	return id, nil
}
