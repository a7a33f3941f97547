package util

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Common timeout durations
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	ShortTimeout        = 2 * time.Second
)

// MaxPeerIDLen bounds identifiers accepted by the relay.
const MaxPeerIDLen = 64

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). filepath.Join("a", "/b") returns "a/b", not "/b"; this
// helper lets absolute paths override the base.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// ValidatePeerName validates and normalizes a peer identifier.
// Returns the trimmed name and an error if invalid.
func ValidatePeerName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("peer id is empty")
	}
	if len(name) > MaxPeerIDLen {
		return "", errors.New("peer id is too long")
	}
	if strings.ContainsAny(name, "/\\ \t\r\n") || strings.Contains(name, "..") {
		return "", errors.New("peer id must not contain whitespace, slashes or '..'")
	}
	return name, nil
}

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
