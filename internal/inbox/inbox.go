// Package inbox publishes topics dropped as files into a directory, for
// publishers that can write to the hub's disk but not reach its HTTP
// endpoint.
//
// A ping file lists one topic URL per line. Blank lines and lines starting
// with "--" are skipped, and everything after a "---" rule is a free-form
// note that is only logged. Files whose name starts with a dot are ignored,
// so writers can create a hidden file and rename it into place.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Publisher interface {
	Publish(ctx context.Context, url string) error
}

type Handler struct {
	InputDir  string
	ErrorDir  string
	Processes *sync.Pool

	publisher Publisher
	logger    *slog.Logger
	inflight  sync.WaitGroup
	mu        sync.Mutex
	active    map[string]bool
}

func NewHandler(inputDir, errorDir string, publisher Publisher, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "inbox")

	for _, dir := range []string{inputDir, errorDir} {
		info, err := os.Stat(dir)
		switch {
		case os.IsNotExist(err):
			logger.Info("Creating directory", "dir", dir)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		case !info.IsDir():
			return nil, fmt.Errorf("%s is not a directory", dir)
		}
	}

	return &Handler{
		InputDir: inputDir,
		ErrorDir: errorDir,
		Processes: &sync.Pool{
			New: func() any {
				return &Process{}
			},
		},
		publisher: publisher,
		logger:    logger,
		active:    make(map[string]bool),
	}, nil
}

// Start processes the files already waiting in the input directory, then
// every file created there until ctx is done.
func (h *Handler) Start(ctx context.Context) error {
	h.logger.Info("Starting inbox", "input", h.InputDir, "error", h.ErrorDir)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		h.logger.Error("Error creating watcher", "err", err)
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(h.InputDir); err != nil {
		return err
	}
	defer h.inflight.Wait()

	entries, err := os.ReadDir(h.InputDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			h.dispatch(ctx, filepath.Join(h.InputDir, entry.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				h.dispatch(ctx, event.Name)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Error("Watcher error", "err", werr)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}

	// a file created while the directory was being listed shows up twice
	h.mu.Lock()
	if h.active[path] {
		h.mu.Unlock()
		return
	}
	h.active[path] = true
	h.mu.Unlock()

	p := h.Processes.Get().(*Process)
	p.Filepath = path

	h.inflight.Add(1)
	go func(proc *Process) {
		defer func() {
			h.mu.Lock()
			delete(h.active, proc.Filepath)
			h.mu.Unlock()
			proc.Filepath = ""
			proc.Ping = nil
			h.Processes.Put(proc)
			h.inflight.Done()
		}()
		h.handle(ctx, proc)
	}(p)
}

// handle publishes the topics of one ping file. The file is removed once
// every topic was accepted and moved to the error directory otherwise.
func (h *Handler) handle(ctx context.Context, proc *Process) {
	logger := h.logger.With("file", proc.Filepath)
	if _, err := os.Stat(proc.Filepath); os.IsNotExist(err) {
		logger.Debug("Ping file already handled")
		return
	}
	logger.Info("New ping file")

	if err := proc.ReadFile(logger); err != nil {
		logger.Error("Error reading file", "err", err)
		h.reject(proc, logger)
		return
	}

	var failed []error
	for _, topic := range proc.Ping.Topics {
		if err := h.publisher.Publish(ctx, topic); err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", topic, err))
		}
	}
	if len(failed) > 0 {
		err := &PublishError{File: proc.Filepath, Err: errors.Join(failed...)}
		logger.Error("Error publishing topics", "err", err)
		h.reject(proc, logger)
		return
	}

	logger.Info("Ping processed", "topics", proc.Ping.Topics, "note", proc.Ping.Note)
	if err := os.Remove(proc.Filepath); err != nil {
		logger.Error("Error removing processed file", "err", err)
	}
}

func (h *Handler) reject(proc *Process, logger *slog.Logger) {
	if err := h.errorFile(proc); err != nil {
		logger.Error("Error moving file to error dir", "err", err)
	}
}

func (h *Handler) errorFile(p *Process) error {
	filename := filepath.Base(p.Filepath)
	errorPath := filepath.Join(h.ErrorDir, filename)

	if _, err := os.Stat(errorPath); err == nil {
		timestamp := time.Now().Format("20060102150405")
		errorPath = filepath.Join(h.ErrorDir, fmt.Sprintf("%s_%s", filename, timestamp))
	}

	return os.Rename(p.Filepath, errorPath)
}

type Process struct {
	Filepath string
	Ping     *Ping
}

// Ping is the parsed content of one ping file.
type Ping struct {
	Topics []string
	Note   string
}

const (
	READ_FILE_MAX_ATTEMPTS = 5
	READ_FILE_RETRY_DELAY  = 200 * time.Millisecond
)

// ReadFile reads and parses the file, waiting for writers that created it
// but have not written it yet.
func (p *Process) ReadFile(logger *slog.Logger) error {
	var content []byte
	var err error
	for attempt := 1; attempt <= READ_FILE_MAX_ATTEMPTS; attempt++ {
		content, err = os.ReadFile(p.Filepath)
		if err != nil {
			logger.Warn("Failed to read file, retrying", "attempt", attempt, "err", err)
			time.Sleep(READ_FILE_RETRY_DELAY)
			continue
		}
		if len(content) == 0 {
			logger.Warn("File is empty, retrying", "attempt", attempt)
			time.Sleep(READ_FILE_RETRY_DELAY)
			continue
		}
		break
	}
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return &EmptyFileError{File: p.Filepath}
	}

	ping, err := parse(strings.Split(string(content), "\n"))
	if err != nil {
		var noTopic *NoTopicError
		if errors.As(err, &noTopic) {
			noTopic.File = p.Filepath
		}
		return err
	}

	p.Ping = ping
	return nil
}

func parse(lines []string) (*Ping, error) {
	head := make([]string, 0)
	note := make([]string, 0)
	insideHead := true
	for _, line := range lines {
		if isRule(line) {
			insideHead = false
			continue
		}
		if insideHead {
			head = append(head, line)
		} else {
			note = append(note, line)
		}
	}

	topics := cleanHead(head)
	if len(topics) < 1 {
		return nil, &NoTopicError{}
	}

	return &Ping{
		Topics: topics,
		Note:   strings.TrimSpace(strings.Join(note, "\n")),
	}, nil
}

func cleanHead(head []string) []string {
	cleaned := make([]string, 0)
	for _, line := range head {
		line = strings.TrimSpace(line)
		if line == "" || isComment(line) {
			continue
		}
		cleaned = append(cleaned, line)
	}
	return cleaned
}

func isRule(line string) bool {
	return strings.HasPrefix(line, "---")
}

func isComment(line string) bool {
	return strings.HasPrefix(line, "--")
}
