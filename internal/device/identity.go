// Package device manages the stable device identity used to attribute scans.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const identityFile = "device_id"

// Identity loads the persisted device identifier, generating and persisting a
// new one on first use. The identifier participates in audit attribution, so
// it is drawn from a cryptographically strong source (uuid.NewRandom reads
// crypto/rand) and never regenerated once written.
func Identity(dataDir string) (string, error) {
	dir := strings.TrimSpace(dataDir)
	if dir == "" {
		return "", fmt.Errorf("device identity: data dir required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("device identity: create data dir: %w", err)
	}
	path := filepath.Join(dir, identityFile)

	raw, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		return "", fmt.Errorf("device identity: corrupt identity file %s", path)
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("device identity: read identity file: %w", err)
	}

	generated, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("device identity: generate: %w", err)
	}
	id := generated.String()
	if err := writeDurable(path, []byte(id+"\n")); err != nil {
		return "", fmt.Errorf("device identity: persist: %w", err)
	}
	return id, nil
}

// writeDurable writes the identity through a temp file plus rename so a crash
// never leaves a partially written identity behind.
func writeDurable(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), identityFile+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
