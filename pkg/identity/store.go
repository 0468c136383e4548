package identity

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileMode is the permission applied to the rewritten file.
const FileMode os.FileMode = 0o644

// Store manages tagged entries in an authorized_keys style file. Each entry is
// one line whose last whitespace-separated token is its tag.
type Store struct {
	path string

	// beforeRename runs after the temporary file is fully written. Tests use it
	// to simulate a crash between write and rename.
	beforeRename func(tmpPath string) error
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// DefaultPath returns ~/.ssh/authorized_keys.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".ssh", "authorized_keys"), nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Upsert replaces any entry tagged tag with "restriction publicKey tag".
func (s *Store) Upsert(tag, restriction, publicKey string) error {
	if tag == "" {
		return fmt.Errorf("entry tag is required")
	}
	if strings.TrimSpace(publicKey) == "" {
		return fmt.Errorf("public key is required")
	}
	line := joinNonEmpty(restriction, strings.TrimSpace(publicKey), tag)
	return s.rewrite(func(lines []string) []string {
		return append(withoutTag(lines, tag), line)
	})
}

// Remove deletes every entry tagged tag. A missing file is left missing.
func (s *Store) Remove(tag string) error {
	if tag == "" {
		return fmt.Errorf("entry tag is required")
	}
	return s.rewrite(func(lines []string) []string {
		return withoutTag(lines, tag)
	})
}

// Lookup returns the line tagged tag, if present.
func (s *Store) Lookup(tag string) (string, bool, error) {
	lines, _, err := s.read()
	if err != nil {
		return "", false, err
	}
	for _, line := range lines {
		if trailingToken(line) == tag {
			return line, true, nil
		}
	}
	return "", false, nil
}

func (s *Store) read() ([]string, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, true, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	return lines, true, nil
}

// rewrite applies modify to the current lines and atomically replaces the file
// through a temporary file in the same directory.
func (s *Store) rewrite(modify func([]string) []string) error {
	lines, existed, err := s.read()
	if err != nil {
		return err
	}

	lines = modify(lines)
	if len(lines) == 0 && !existed {
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".towerconf-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Chmod(tmpPath, FileMode); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmpPath); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

func withoutTag(lines []string, tag string) []string {
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if trailingToken(line) == tag {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}

func trailingToken(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func joinNonEmpty(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// ExpiryRestriction returns the option list that confines a key to an
// interactive session and expires it days after now.
func ExpiryRestriction(days int, now time.Time) string {
	return fmt.Sprintf(`restrict,pty,expiry-time="%s"`, now.AddDate(0, 0, days).Format("20060102"))
}

// CommentTag returns the entry tag used for keys registered with server.
func CommentTag(server string) string {
	return "mykey:" + server
}
