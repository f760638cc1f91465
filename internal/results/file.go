package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/saveenergy/tunnelbench/pkg/types"
)

const fileIndent = "    "

// RemoveStale deletes a results file left by a previous run. A missing
// file is not an error.
func RemoveStale(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale results: %w", err)
	}
	return nil
}

// WriteFile writes records as an indented JSON array. The file is replaced
// atomically so readers never see a partial document.
func WriteFile(path string, records []types.ConnectionRecord) error {
	if records == nil {
		records = []types.ConnectionRecord{}
	}
	data, err := json.MarshalIndent(records, "", fileIndent)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp results: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write results: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync results: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close results: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod results: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace results: %w", err)
	}
	return nil
}

// ReadFile loads a results file written by WriteFile.
func ReadFile(path string) ([]types.ConnectionRecord, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	var records []types.ConnectionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse results %q: %w", path, err)
	}
	for i := range records {
		records[i].Index = i + 1
	}
	return records, nil
}
