package origins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dikkadev/websubhub/pkg/websub"
	"github.com/fsnotify/fsnotify"
)

// Source provides the allowlist in effect right now.
type Source interface {
	Allowlist() websub.Allowlist
}

// Static is a fixed allowlist, typically read from configuration.
type Static websub.Allowlist

func NewStatic(csv string) Static {
	return Static(websub.ParseAllowlist(csv))
}

func (s Static) Allowlist() websub.Allowlist {
	return websub.Allowlist(s)
}

const (
	READ_FILE_MAX_ATTEMPTS = 5
	READ_FILE_RETRY_DELAY  = 200 * time.Millisecond
)

var ErrEmptyFile = errors.New("origins file is empty after retries")

// FileSource serves the allowlist stored in a file and reloads it whenever
// the file changes. A broken reload keeps the previous allowlist. An empty
// file is treated as broken; a file holding only comments makes the hub
// public.
type FileSource struct {
	Path    string
	current atomic.Pointer[websub.Allowlist]
	logger  *slog.Logger
}

func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fs := &FileSource{
		Path:   path,
		logger: logger.With("component", "origins", "file", path),
	}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileSource) Allowlist() websub.Allowlist {
	return *fs.current.Load()
}

// Reload reads the file again. The file may be mid-write (or just
// truncated) when an event arrives, so reads are retried a few times.
func (fs *FileSource) Reload() error {
	var content []byte
	var err error
	for attempt := 1; attempt <= READ_FILE_MAX_ATTEMPTS; attempt++ {
		content, err = os.ReadFile(fs.Path)
		if err != nil {
			fs.logger.Warn("Failed to read origins file, retrying", "attempt", attempt, "err", err)
			time.Sleep(READ_FILE_RETRY_DELAY)
			continue
		}
		if len(content) == 0 {
			fs.logger.Warn("Origins file is empty, retrying", "attempt", attempt)
			time.Sleep(READ_FILE_RETRY_DELAY)
			continue
		}
		break
	}
	if err != nil {
		return fmt.Errorf("failed to read origins file: %w", err)
	}
	if len(content) == 0 {
		return ErrEmptyFile
	}

	allowlist := parse(strings.Split(string(content), "\n"))
	fs.current.Store(&allowlist)
	fs.logger.Info("Origins loaded", "prefixes", allowlist.Prefixes(), "public", allowlist.IsPublic())
	return nil
}

// Watch reloads the file on every change until ctx is done. The directory is
// watched rather than the file so that editors replacing the file by rename
// are noticed.
func (fs *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(fs.Path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", fs.Path, err)
	}

	target := filepath.Clean(fs.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := fs.Reload(); err != nil {
				fs.logger.Error("Error reloading origins", "err", err)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			fs.logger.Error("Watcher error", "err", werr)
		}
	}
}

// parse reads one or more comma separated prefixes per line. Blank lines and
// lines starting with "--" are ignored.
func parse(lines []string) websub.Allowlist {
	prefixes := make([]string, 0)
	for _, line := range cleanLines(lines) {
		prefixes = append(prefixes, strings.Split(line, ",")...)
	}
	return websub.NewAllowlist(prefixes...)
}

func cleanLines(lines []string) []string {
	cleaned := make([]string, 0)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || isComment(line) {
			continue
		}
		cleaned = append(cleaned, line)
	}
	return cleaned
}

func isComment(line string) bool {
	return strings.HasPrefix(line, "--")
}
