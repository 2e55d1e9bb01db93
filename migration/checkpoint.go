package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is the durable resume cursor. ProcessedObjects is a low
// watermark: every discovered object before that index has finished.
type Checkpoint struct {
	ProcessedObjects int   `json:"processedObjects"`
	Timestamp        int64 `json:"timestamp"`
}

// SaveCheckpoint replaces path atomically.
func SaveCheckpoint(path string, processed int) error {
	data, err := json.Marshal(Checkpoint{ProcessedObjects: processed, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadCheckpoint returns zero when no checkpoint exists.
func LoadCheckpoint(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return 0, fmt.Errorf("malformed checkpoint %s: %w", path, err)
	}
	if cp.ProcessedObjects < 0 {
		return 0, nil
	}
	return cp.ProcessedObjects, nil
}
