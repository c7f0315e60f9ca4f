// Package evidence manages the capture directory where motion photos are
// kept as capture<N>.png with strictly increasing N.
package evidence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
)

var ErrNoCaptures = errors.New("no captures stored")

var captureName = regexp.MustCompile(`^capture(\d+)\.png$`)

const maxSaveAttempts = 5

type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// LatestIndex scans the directory and returns the highest capture suffix,
// or 0 when there is none. The directory is read on every call so files
// added or removed by hand are picked up.
func (s *Store) LatestIndex() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read capture directory: %w", err)
	}
	latest := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := captureName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > latest {
			latest = n
		}
	}
	return latest, nil
}

// Latest returns the path of the newest capture.
func (s *Store) Latest() (string, error) {
	n, err := s.LatestIndex()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrNoCaptures
	}
	return s.pathFor(n), nil
}

// Save writes data as the next capture and returns its path.
func (s *Store) Save(data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		n, err := s.LatestIndex()
		if err != nil {
			return "", err
		}
		path := s.pathFor(n + 1)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			// Someone else took the name between scan and create.
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("could not allocate a capture name after %d attempts", maxSaveAttempts)
}

func (s *Store) pathFor(n int) string {
	return filepath.Join(s.dir, fmt.Sprintf("capture%d.png", n))
}
