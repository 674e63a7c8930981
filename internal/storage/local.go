package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"agentrelay/internal/transcript"
)

var idSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

const (
	lockStaleDuration = 30 * time.Second
	lockTimeout       = 10 * time.Second
	lockPollInterval  = 8 * time.Millisecond

	transcriptExt = ".jsonl"
)

// Local stores transcripts as <id>.jsonl files under RootDir. Lookups
// search the whole tree so transcripts nested in per-project folders
// are found too.
type Local struct {
	RootDir string
	logger  *zap.Logger
}

func NewLocal(rootDir string, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{RootDir: rootDir, logger: logger}
}

func sanitizeID(id string) string {
	return idSanitizer.ReplaceAllString(id, "_")
}

func (s *Local) filePath(id string) string {
	return filepath.Join(s.RootDir, sanitizeID(id)+transcriptExt)
}

func (s *Local) lockPath(id string) string {
	return filepath.Join(s.RootDir, sanitizeID(id)+".lock")
}

func (s *Local) withFileLock(ctx context.Context, id string, fn func() error) error {
	if err := os.MkdirAll(s.RootDir, 0o755); err != nil {
		return err
	}
	lock := s.lockPath(id)
	deadline := time.Now().Add(lockTimeout)
	for {
		err := os.Mkdir(lock, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		// Break stale locks left by crashed processes.
		if info, statErr := os.Stat(lock); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleDuration {
				_ = os.RemoveAll(lock)
				continue
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out acquiring lock for session %s", id)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
	defer func() {
		_ = os.RemoveAll(lock)
	}()
	return fn()
}

// find returns the path holding id: the top-level file when present,
// otherwise the first match anywhere below RootDir.
func (s *Local) find(id string) (string, error) {
	direct := s.filePath(id)
	if _, err := os.Stat(direct); err == nil {
		return direct, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	name := sanitizeID(id) + transcriptExt
	var found string
	err := filepath.WalkDir(s.RootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return found, nil
}

func (s *Local) Create(ctx context.Context, id, content string) (*transcript.SessionData, error) {
	path := s.filePath(id)
	err := s.withFileLock(ctx, id, func() error {
		return writeFileAtomic(path, content)
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", id, err)
	}
	return s.load(id, path)
}

func (s *Local) Get(_ context.Context, id string) (*transcript.SessionData, error) {
	path, err := s.find(id)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", id, err)
	}
	if path == "" {
		return nil, nil
	}
	data, err := s.load(id, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (s *Local) List(context.Context) ([]transcript.SessionInfo, error) {
	infos := []transcript.SessionInfo{}
	err := filepath.WalkDir(s.RootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), transcriptExt) {
			return nil
		}
		id := strings.TrimSuffix(d.Name(), transcriptExt)
		stat, statErr := d.Info()
		raw, readErr := os.ReadFile(path)
		if statErr != nil || readErr != nil {
			s.logger.Warn("skipping unreadable transcript",
				zap.String("path", path),
				zap.Error(errors.Join(statErr, readErr)),
			)
			return nil
		}
		content := string(raw)
		created := stat.ModTime()
		if ts, ok := transcript.FirstTimestamp(content); ok {
			created = ts
		}
		infos = append(infos, transcript.SessionInfo{
			SessionID:  id,
			Title:      transcript.ListingTitle(id, content),
			CreatedAt:  created,
			ModifiedAt: stat.ModTime(),
			FilePath:   path,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.RootDir, err)
	}
	transcript.SortNewestFirst(infos)
	return infos, nil
}

func (s *Local) Update(ctx context.Context, id, content string) (*transcript.SessionData, error) {
	var path string
	err := s.withFileLock(ctx, id, func() error {
		found, err := s.find(id)
		if err != nil {
			return err
		}
		if found == "" {
			found = s.filePath(id)
		}
		path = found
		return writeFileAtomic(path, content)
	})
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	return s.load(id, path)
}

func (s *Local) Delete(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.withFileLock(ctx, id, func() error {
		path, err := s.find(id)
		if err != nil || path == "" {
			return err
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", id, err)
	}
	return deleted, nil
}

func (s *Local) load(id, path string) (*transcript.SessionData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	content := string(raw)
	created := stat.ModTime()
	if ts, ok := transcript.FirstTimestamp(content); ok {
		created = ts
	}
	return transcript.NewSessionData(id, content, created, stat.ModTime()), nil
}

// writeFileAtomic replaces path so readers never see a partial file.
func writeFileAtomic(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
