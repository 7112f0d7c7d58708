package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter appends to date-stamped files, starting a fresh file each
// UTC day and rolling to an indexed sibling when a file would exceed
// MaxBytes. logs/tokend.log becomes logs/tokend-2026-08-26.log, then
// logs/tokend-2026-08-26-2.log within the same day.
type RotatingWriter struct {
	basePath string
	maxBytes int64

	mu      sync.Mutex
	curDate string
	curIdx  int
	file    *os.File
	size    int64
}

// NewRotatingWriter opens the writer. basePath "-" discards all output.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	w := &RotatingWriter{basePath: basePath, maxBytes: maxBytes}
	if err := w.rotateIfNeeded(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	if err == nil {
		w.size += int64(n)
	}
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *RotatingWriter) rotateIfNeeded(incoming int64) error {
	// UTC day boundaries keep the file sequence stable across timezones.
	today := time.Now().UTC().Format("2006-01-02")
	if w.file == nil || w.curDate != today {
		w.curDate = today
		w.curIdx = 1
		return w.openCurrent()
	}
	if w.size+incoming > w.maxBytes {
		w.curIdx++
		return w.openCurrent()
	}
	return nil
}

func (w *RotatingWriter) openCurrent() error {
	if w.file != nil {
		_ = w.file.Close()
	}
	dir, name := filepath.Split(w.basePath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	filename := fmt.Sprintf("%s-%s%s", base, w.curDate, ext)
	if w.curIdx > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", base, w.curDate, w.curIdx, ext)
	}
	f, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file = f
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

// levelRank orders the bracket tags emitted throughout the codebase.
// Tags outside the set rank -1 and are never filtered.
func levelRank(level string) int {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return 0
	case "INFO":
		return 1
	case "WARN":
		return 2
	case "ERROR":
		return 3
	case "ALERT":
		return 4
	default:
		return -1
	}
}

// levelFilter drops lines whose [LEVEL] tag ranks below the threshold.
// Lines without a recognized tag pass through untouched.
type levelFilter struct {
	w   io.Writer
	min int
}

func (f levelFilter) Write(p []byte) (int, error) {
	line := string(p)
	if idx := strings.Index(line, "["); idx >= 0 {
		if end := strings.Index(line[idx:], "]"); end > 1 {
			if r := levelRank(line[idx+1 : idx+end]); r >= 0 && r < f.min {
				return len(p), nil
			}
		}
	}
	return f.w.Write(p)
}

// New builds the daemon logger: stderr plus an optional rotating file,
// filtered to the configured level.
func New(logFile, level string) (*log.Logger, io.Closer, error) {
	var sinks []io.Writer
	sinks = append(sinks, os.Stderr)

	var closer io.Closer
	if strings.TrimSpace(logFile) != "" {
		fw, err := NewRotatingWriter(logFile, 0)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, fw)
		closer = fw
	}

	out := io.Writer(io.MultiWriter(sinks...))
	if min := levelRank(level); min > 0 {
		out = levelFilter{w: out, min: min}
	}
	logger := log.New(out, "", log.LstdFlags|log.LUTC)
	if closer == nil {
		closer = nopWriteCloser{w: io.Discard}
	}
	return logger, closer, nil
}
