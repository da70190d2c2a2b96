package lockscreen

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ArtifactName is the handoff file the coordinator writes before spawning
// the lock screen process. The lock screen deletes it on successful unlock,
// so its absence is one of the two unlock signals.
const ArtifactName = "lock_state.json"

// LockState is the handoff artifact payload. The coordinator is its only
// writer, the spawned lock screen its only reader and deleter.
type LockState struct {
	Locked   bool   `json:"locked"`
	Password string `json:"password"`
	Message  string `json:"message"`
}

// ArtifactPath returns the artifact location inside the agent data dir.
func ArtifactPath(dataDir string) string {
	return filepath.Join(dataDir, ArtifactName)
}

// WriteArtifact writes the handoff artifact atomically (temp file + rename)
// so the lock screen never observes a partial write.
func WriteArtifact(dataDir string, state LockState) error {
	path := ArtifactPath(dataDir)
	tmp := path + ".tmp"

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode lock state: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write lock state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit lock state: %w", err)
	}
	return nil
}

// ReadArtifact loads the handoff artifact.
func ReadArtifact(dataDir string) (*LockState, error) {
	data, err := os.ReadFile(ArtifactPath(dataDir))
	if err != nil {
		return nil, err
	}
	var state LockState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode lock state: %w", err)
	}
	return &state, nil
}

// DeleteArtifact removes the handoff artifact. A missing file is not an
// error; the lock screen may have already deleted it.
func DeleteArtifact(dataDir string) error {
	err := os.Remove(ArtifactPath(dataDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ArtifactExists reports whether the handoff artifact is present.
func ArtifactExists(dataDir string) bool {
	_, err := os.Stat(ArtifactPath(dataDir))
	return err == nil
}
