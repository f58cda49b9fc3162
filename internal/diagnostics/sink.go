package diagnostics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink writes diagnostics under a per-session directory:
// <root>/<sessionID>/diagnostics.log plus one file per snapshot.
type FileSink struct {
	dir string

	mu   sync.Mutex
	file *os.File
}

// NewFileSink creates the session directory eagerly so the first append
// cannot race directory creation.
func NewFileSink(root, sessionID string) (*FileSink, error) {
	dir := filepath.Join(root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create diagnostics dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Append writes one line to the session's diagnostics log.
func (s *FileSink) Append(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		f, err := os.OpenFile(filepath.Join(s.dir, "diagnostics.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		s.file = f
	}
	_, err := fmt.Fprintln(s.file, line)
	return err
}

// WriteSnapshot stores a snapshot artifact next to the log.
func (s *FileSink) WriteSnapshot(name string, data []byte) error {
	return os.WriteFile(filepath.Join(s.dir, filepath.Base(name)), data, 0o644)
}

// Close releases the log file handle.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
