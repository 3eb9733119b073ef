package connectors

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CursorFile persists a connector's resume position outside process memory.
// The cursor advances only after Switchboard has accepted the event, so a
// crash between provider receipt and acceptance redelivers (Switchboard
// dedupes redeliveries).
type CursorFile struct {
	path string
}

// NewCursorFile places a cursor file for one (connector, endpoint) pair.
// Concurrent connector instances must use distinct endpoint identities and
// therefore distinct files.
func NewCursorFile(dir, connector, endpoint string) *CursorFile {
	name := fmt.Sprintf("%s-%s.cursor", connector, sanitizeFilename(endpoint))
	return &CursorFile{path: filepath.Join(dir, name)}
}

// Load returns the persisted cursor, or "" when none exists yet.
func (c *CursorFile) Load() (string, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Store atomically replaces the persisted cursor.
func (c *CursorFile) Store(cursor string) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cursor dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(cursor+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write cursor file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace cursor file: %w", err)
	}
	return nil
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '.' || r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
