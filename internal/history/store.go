// Package history keeps the relay's message log: an append-only file holding
// every accepted message and an in-memory window of the most recent ones that
// is replayed to newly joined connections.
package history

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/Tyrowin/chatrelay/internal/metrics"
)

// DefaultMaxHistory is the window size used when none is configured.
const DefaultMaxHistory = 10

const maxLineSize = 4 << 20

// Store is the relay's history log. Append and Recent are safe for
// concurrent use; appends are serialized so the file and the buffer observe
// the same total order.
type Store struct {
	mu       sync.RWMutex
	path     string
	max      int
	messages []Message
	file     *os.File

	clock       clockwork.Clock
	metrics     *metrics.Metrics
	logger      *slog.Logger
	maxLineSize int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to stamp appended messages.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithMetrics sets the collectors updated by the store.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithLogger sets the logger used for storage faults.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore returns an empty store backed by the file at path. An empty path
// keeps history in memory only. A non-positive maxHistory selects
// DefaultMaxHistory.
func NewStore(path string, maxHistory int, opts ...Option) *Store {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}

	s := &Store{
		path:        path,
		max:         maxHistory,
		messages:    make([]Message, 0, maxHistory),
		clock:       clockwork.NewRealClock(),
		maxLineSize: maxLineSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewUnregistered()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "history", "file", path)
	return s
}

// MaxHistory returns the size of the in-memory window.
func (s *Store) MaxHistory() int {
	return s.max
}

// Load reads the tail of the history file into memory and returns the
// number of messages loaded. A missing file yields an empty history. Blank
// lines are skipped and lines without a header are discarded. A read error
// is logged and whatever was parsed before it is kept.
func (s *Store) Load() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = s.messages[:0]
	defer func() { s.metrics.HistorySize.Set(float64(len(s.messages))) }()

	if s.path == "" {
		return 0
	}

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("History file not found, starting with empty history")
		} else {
			s.logger.Error("Failed to open history file", "error", err)
		}
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, min(64*1024, s.maxLineSize)), s.maxLineSize)

	discarded := 0
	for scanner.Scan() {
		line := scanner.Text()
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}

		if line == "" {
			continue
		}

		msg, ok := ParseLine(line)
		if !ok {
			discarded++
			continue
		}
		s.pushLocked(msg)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("Failed to read history file, keeping partial history",
			"error", err,
			"loaded", len(s.messages),
		)
	}

	if discarded > 0 {
		s.logger.Warn("Discarded malformed history lines", "count", discarded)
	}
	s.logger.Info("Loaded history", "messages", len(s.messages))
	return len(s.messages)
}

// Append stamps payload with the current time, writes it to the history file
// and adds it to the in-memory window. A failed write is logged and the
// message is still kept in memory and returned.
func (s *Store) Append(payload string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := Message{Time: s.clock.Now(), Payload: payload}

	if err := s.writeLocked(msg); err != nil {
		s.metrics.HistoryWriteFailures.Inc()
		s.logger.Error("Failed to persist message", "error", err)
	}

	s.pushLocked(msg)
	s.metrics.HistorySize.Set(float64(len(s.messages)))
	return msg
}

// Recent returns up to n of the most recent messages, oldest first. A
// non-positive n returns the whole window.
func (s *Store) Recent(n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.messages) {
		n = len(s.messages)
	}

	out := make([]Message, n)
	copy(out, s.messages[len(s.messages)-n:])
	return out
}

// Len returns the number of messages in the in-memory window.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Close releases the history file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Store) pushLocked(msg Message) {
	if len(s.messages) >= s.max {
		copy(s.messages, s.messages[len(s.messages)-s.max+1:])
		s.messages = s.messages[:s.max-1]
	}
	s.messages = append(s.messages, msg)
}

// writeLocked appends msg to the file and syncs it. The file is opened on
// first use and reopened after a failure.
func (s *Store) writeLocked(msg Message) error {
	if s.path == "" {
		return nil
	}

	if s.file == nil {
		f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open history file: %w", err)
		}
		s.file = f
	}

	if _, err := s.file.WriteString(msg.Line() + "\n"); err != nil {
		s.resetFileLocked()
		return fmt.Errorf("write history file: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		s.resetFileLocked()
		return fmt.Errorf("sync history file: %w", err)
	}
	return nil
}

func (s *Store) resetFileLocked() {
	if err := s.file.Close(); err != nil {
		s.logger.Warn("Failed to close history file after write error", "error", err)
	}
	s.file = nil
}
