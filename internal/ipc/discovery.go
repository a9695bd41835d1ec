package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"tender/internal/fileutil"
)

// WriteDiscovery publishes rec at path atomically.
func WriteDiscovery(path string, rec ServerConfig) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal discovery record: %w", err)
	}
	data = append(data, '\n')
	if err := fileutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write discovery record: %w", err)
	}
	return nil
}

// ReadDiscovery loads the discovery record at path. A missing file yields an
// error matching fs.ErrNotExist.
func ReadDiscovery(path string) (ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, err
	}
	var rec ServerConfig
	if err := json.Unmarshal(data, &rec); err != nil {
		return ServerConfig{}, fmt.Errorf("parse discovery record %s: %w", path, err)
	}
	return rec, nil
}

// RemoveDiscoveryIfOwned deletes the record at path when it names pid. It
// reports whether the file was removed.
func RemoveDiscoveryIfOwned(path string, pid int) (bool, error) {
	rec, err := ReadDiscovery(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if rec.PID != pid {
		return false, nil
	}
	if err := fileutil.RemoveIfExists(path); err != nil {
		return false, err
	}
	return true, nil
}

// Running loads the record at path and reports whether its server is alive.
func Running(path string) (ServerConfig, bool) {
	rec, err := ReadDiscovery(path)
	if err != nil {
		return ServerConfig{}, false
	}
	return rec, rec.PID > 0 && rec.Alive()
}
