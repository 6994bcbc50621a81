package httplog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Store appends formatted log entries to per-configuration files under
// LogDir and enforces the size/age retention policy from spec.md §4.6/§6.
type Store struct {
	LogDir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewStore returns a Store rooted at logDir, creating it if necessary.
func NewStore(logDir string) (*Store, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("httplog: create log dir: %w", err)
	}
	return &Store{LogDir: logDir, files: make(map[string]*os.File)}, nil
}

func (s *Store) path(configID int64, localPort int) string {
	return filepath.Join(s.LogDir, fmt.Sprintf("%d_%d.http", configID, localPort))
}

// Append writes one formatted entry, opening the backing file on first use.
func (s *Store) Append(configID int64, localPort int, entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%d_%d", configID, localPort)
	f, ok := s.files[key]
	if !ok {
		var err error
		f, err = os.OpenFile(s.path(configID, localPort), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("httplog: open log file: %w", err)
		}
		s.files[key] = f
	}
	_, err := f.Write(entry)
	return err
}

// Close closes every open log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for key, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.files, key)
	}
	return first
}

// EnforceRetention applies the per-config retention policy (spec.md §6) to
// one configuration's live log file: a file untouched for longer than
// retentionDays is deleted; otherwise a file larger than maxSize bytes is
// rotated into numbered backups (see rotate). A zero limit disables its check.
func (s *Store) EnforceRetention(configID int64, localPort int, maxSize int64, retentionDays int) {
	path := s.path(configID, localPort)
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	if retentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		if info.ModTime().Before(cutoff) {
			s.mu.Lock()
			key := fmt.Sprintf("%d_%d", configID, localPort)
			if f, ok := s.files[key]; ok {
				f.Close()
				delete(s.files, key)
			}
			s.mu.Unlock()
			if err := os.Remove(path); err != nil {
				klog.Warningf("httplog: failed to remove expired log %s: %v", path, err)
			}
			return
		}
	}

	if maxSize > 0 && info.Size() > maxSize {
		s.rotate(configID, localPort, path)
	}
}

// maxRotatedBackups bounds how many numbered backups rotate keeps before the
// oldest is discarded. spec.md §4.6 specifies the ".N suffix" scheme but not
// a cap; five matches common log-rotation defaults (DESIGN.md).
const maxRotatedBackups = 5

// rotate renames the current log file to path+".1", shifting any existing
// numbered backups up by one and discarding the oldest, per spec.md §4.6's
// "Rotation: when file size > max_file_size, rename with suffix .N".
func (s *Store) rotate(configID int64, localPort int, path string) {
	s.mu.Lock()
	key := fmt.Sprintf("%d_%d", configID, localPort)
	if f, ok := s.files[key]; ok {
		f.Close()
		delete(s.files, key)
	}
	s.mu.Unlock()

	oldest := fmt.Sprintf("%s.%d", path, maxRotatedBackups)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		klog.Warningf("httplog: failed to discard oldest rotated log %s: %v", oldest, err)
	}
	for n := maxRotatedBackups - 1; n >= 1; n-- {
		src := fmt.Sprintf("%s.%d", path, n)
		dst := fmt.Sprintf("%s.%d", path, n+1)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			klog.Warningf("httplog: failed to shift rotated log %s -> %s: %v", src, dst, err)
		}
	}
	if err := os.Rename(path, path+".1"); err != nil {
		klog.Warningf("httplog: failed to rotate log %s: %v", path, err)
	}
}

// ListLogFiles returns the configured log directory's *.http files sorted by
// modification time, newest first.
func (s *Store) ListLogFiles() ([]string, error) {
	entries, err := os.ReadDir(s.LogDir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".http" {
			continue
		}
		files = append(files, filepath.Join(s.LogDir, e.Name()))
	}
	sort.Slice(files, func(i, j int) bool {
		fi, _ := os.Stat(files[i])
		fj, _ := os.Stat(files[j])
		if fi == nil || fj == nil {
			return false
		}
		return fi.ModTime().After(fj.ModTime())
	})
	return files, nil
}
