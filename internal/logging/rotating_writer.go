// Package logging supplies the daemon's rotating file output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// discardPath disables file logging when configured as the log path.
const discardPath = "-"

// FileWriter appends to a dated series of files derived from one
// logical path. Each UTC day opens a fresh file; a file that would
// grow past the byte cap is followed by a numbered sibling. The
// logical path itself is kept as a symlink to the live file so tails
// survive rotation.
//
//	logs/gateway.log -> logs/gateway-2026-08-31.log,
//	                    logs/gateway-2026-08-31-2.log, ...
type FileWriter struct {
	dir     string
	stem    string
	ext     string
	logical string
	cap     int64
	clock   func() time.Time

	mu   sync.Mutex
	day  string
	seq  int
	out  *os.File
	used int64
}

// NewRotatingWriter opens a FileWriter for basePath with the given
// byte cap per file. A basePath of "-" discards all output.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == discardPath {
		return nopWriteCloser{}, nil
	}

	dir, name := filepath.Split(basePath)
	if dir == "" {
		dir = "."
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	w := &FileWriter{
		dir:     dir,
		stem:    stem,
		ext:     ext,
		logical: basePath,
		cap:     maxBytes,
		clock:   time.Now,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *FileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.out.Write(p)
	w.used += int64(n)
	return n, err
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return nil
	}
	err := w.out.Close()
	w.out = nil
	return err
}

// roll reopens the output when the UTC day changed or the pending
// write would push the current file past the cap. Callers hold mu.
func (w *FileWriter) roll(pending int64) error {
	day := w.clock().UTC().Format("2006-01-02")
	switch {
	case w.out == nil || day != w.day:
		w.day = day
		// Resume after the newest same-day file rather than the
		// first, so a restart does not reopen a capped file.
		w.seq = w.latestSeq(day)
	case w.used+pending > w.cap:
		w.seq++
	default:
		return nil
	}
	return w.reopen()
}

// fileName returns the series member for the current day and sequence.
func (w *FileWriter) fileName() string {
	if w.seq > 1 {
		return w.stem + "-" + w.day + "-" + strconv.Itoa(w.seq) + w.ext
	}
	return w.stem + "-" + w.day + w.ext
}

// latestSeq finds the highest existing sequence number among the given
// day's files, or 1 when the day has none.
func (w *FileWriter) latestSeq(day string) int {
	matches, err := filepath.Glob(filepath.Join(w.dir, w.stem+"-"+day+"*"+w.ext))
	if err != nil || len(matches) == 0 {
		return 1
	}
	sort.Strings(matches)
	highest := 1
	prefix := w.stem + "-" + day + "-"
	for _, m := range matches {
		tail := strings.TrimSuffix(filepath.Base(m), w.ext)
		if !strings.HasPrefix(tail, prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(tail, prefix)); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

func (w *FileWriter) reopen() error {
	if w.out != nil {
		_ = w.out.Close()
		w.out = nil
	}
	path := filepath.Join(w.dir, w.fileName())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.out = f
	w.used = 0
	if st, err := f.Stat(); err == nil {
		w.used = st.Size()
	}
	w.repoint(path)
	return nil
}

// repoint keeps the logical path aimed at the live file. Filesystems
// without symlinks get a one-line breadcrumb instead.
func (w *FileWriter) repoint(target string) {
	if info, err := os.Lstat(w.logical); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(w.logical); err == nil && dest == target {
				return
			}
		}
		_ = os.Remove(w.logical)
	}
	if os.Symlink(target, w.logical) == nil {
		return
	}
	if f, err := os.OpenFile(w.logical, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		fmt.Fprintf(f, "current log file: %s\n", target)
		f.Close()
	}
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
