// Package transcript records every chat event exchanged with the server as
// newline-delimited JSON, one file per client session.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Direction of a recorded event relative to the client.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

const defaultQueueSize = 256

// Config controls where and whether transcripts are written.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Entry is one NDJSON line.
type Entry struct {
	Timestamp      time.Time       `json:"ts"`
	SessionID      string          `json:"session_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Direction      string          `json:"direction"`
	Event          string          `json:"event"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Logger queues entries and writes them on a background goroutine. Log never
// blocks; when the queue is full the oldest entry is dropped.
type Logger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Entry
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	files map[string]*os.File

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewLogger creates the transcript directory and starts the writer.
// A disabled config yields a Logger whose Log is a no-op.
func NewLogger(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	l := &Logger{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return l, nil
	}
	if cfg.Dir == "" {
		return nil, errors.New("transcript dir is required when enabled")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	l.queue = make(chan Entry, cfg.QueueSize)
	l.files = make(map[string]*os.File)
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.wg.Add(1)
	go l.process()
	return l, nil
}

// Log enqueues e.
func (l *Logger) Log(e Entry) {
	if l == nil || l.queue == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	select {
	case l.queue <- e:
		return
	default:
	}

	// Full: drop the oldest entry to make room.
	select {
	case <-l.queue:
		l.dropped++
	default:
	}
	select {
	case l.queue <- e:
	default:
		l.dropped++
	}
	if l.dropped%64 == 1 {
		l.logger.Warn("[TRANSCRIPT] Queue full, dropping oldest entries",
			"dropped_total", l.dropped,
			"queue_capacity", cap(l.queue),
		)
	}
}

// Dropped returns how many entries were discarded under backpressure.
func (l *Logger) Dropped() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Logger) process() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			// Flush what is already queued.
			for {
				select {
				case e := <-l.queue:
					l.write(e)
				default:
					return
				}
			}
		case e := <-l.queue:
			l.write(e)
		}
	}
}

func (l *Logger) write(e Entry) {
	f, err := l.file(e.SessionID)
	if err != nil {
		l.logger.Warn("[TRANSCRIPT] Open failed", "session_id", e.SessionID, "error", err)
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		l.logger.Warn("[TRANSCRIPT] Encode failed", "event", e.Event, "error", err)
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		l.logger.Warn("[TRANSCRIPT] Write failed", "session_id", e.SessionID, "error", err)
	}
}

func (l *Logger) file(sessionID string) (*os.File, error) {
	name := sanitize(sessionID)
	if f, ok := l.files[name]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(l.cfg.Dir, name+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	l.files[name] = f
	return f, nil
}

// Close stops accepting entries, flushes the queue and closes all files.
func (l *Logger) Close() error {
	if l == nil || l.queue == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()

	var errs []error
	for name, f := range l.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	l.files = nil
	return errors.Join(errs...)
}

func sanitize(id string) string {
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
