// Package audit appends one JSON line per gateway command to a rotating file.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry records one handled command. Params are never stored.
type Entry struct {
	Timestamp  time.Time `json:"ts"`
	Command    string    `json:"command"`
	Owner      string    `json:"ownerId,omitempty"`
	TabID      string    `json:"tabId,omitempty"`
	Success    bool      `json:"success"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Local      bool      `json:"local,omitempty"`
}

// Writer queues entries and writes them from a single goroutine into
// date-organized files.
type Writer struct {
	baseDir   string
	maxSizeMB int
	writeCh   chan Entry
	done      chan struct{}
	wg        sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
	closed      bool
}

func NewWriter(baseDir string, bufferSize, maxSizeMB int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	w := &Writer{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan Entry, bufferSize),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Record queues e without blocking. A full buffer drops the entry.
func (w *Writer) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case <-w.done:
		return
	default:
	}
	select {
	case w.writeCh <- e:
	default:
		slog.Warn("audit buffer full, dropping entry", "command", e.Command)
	}
}

// Close flushes queued entries and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()

	for {
		select {
		case e := <-w.writeCh:
			w.write(e)
			continue
		default:
		}
		break
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger != nil {
		return w.logger.Close()
	}
	return nil
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case e := <-w.writeCh:
			w.write(e)
		case <-w.done:
			return
		}
	}
}

func (w *Writer) write(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("audit marshal failed", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := e.Timestamp.UTC().Format("2006-01-02")
	if w.logger == nil || date != w.currentDate {
		if err := w.rotateForDate(date); err != nil {
			slog.Error("audit rotate failed", "error", err)
			return
		}
	}
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("audit write failed", "error", err)
	}
}

func (w *Writer) rotateForDate(date string) error {
	if w.logger != nil {
		_ = w.logger.Close()
	}
	dir := filepath.Join(w.baseDir, date)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	filename := filepath.Join(dir, "commands.jsonl")
	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 30,
		MaxAge:     30,
	}
	w.currentDate = date
	slog.Debug("audit file opened", "file", filename)
	return nil
}
