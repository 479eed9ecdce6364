package runlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/kingrea/autoscience/internal/project"
)

// Kind classifies an entry.
type Kind string

const (
	KindAttempt    Kind = "attempt"
	KindScript     Kind = "script"
	KindTransition Kind = "transition"
	KindReset      Kind = "reset"
)

// Outcome is the result recorded for an entry.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeGateUnmet Outcome = "gate_unmet"
	OutcomeCancelled Outcome = "cancelled"
)

// MaxExcerpt bounds the error text stored per entry.
const MaxExcerpt = 2048

// Entry is one line of run_log.jsonl.
type Entry struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Stage      string    `json:"stage"`
	From       string    `json:"from,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    Outcome   `json:"outcome"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	Script     string    `json:"script,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
	Outputs    []string  `json:"outputs,omitempty"`
}

// Duration returns how long the entry took.
func (e Entry) Duration() time.Duration {
	if e.FinishedAt.Before(e.StartedAt) {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Log persists pipeline history as append-only JSON lines.
type Log struct {
	path  string
	mu    sync.Mutex
	clock clockwork.Clock
	newID func() string
}

// Option customises a Log.
type Option func(*Log)

// WithClock overrides the clock used to stamp entries with no timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Log) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithIDs overrides entry id generation.
func WithIDs(fn func() string) Option {
	return func(l *Log) {
		if fn != nil {
			l.newID = fn
		}
	}
}

// Open creates a log that writes to the provided path.
func Open(path string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("runlog: ensure dir: %w", err)
	}
	l := &Log{path: path, clock: clockwork.NewRealClock(), newID: uuid.NewString}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the file backing this log.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single entry and returns it with defaults filled in.
func (l *Log) Append(e Entry) (Entry, error) {
	if l == nil {
		return e, errors.New("runlog: nil log")
	}
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = l.clock.Now()
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = e.StartedAt
	}
	e.StartedAt = e.StartedAt.UTC()
	e.FinishedAt = e.FinishedAt.UTC()
	e.Error = Excerpt(e.Error, MaxExcerpt)

	line, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("runlog: encode entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return e, fmt.Errorf("runlog: open: %w", err)
	}
	defer file.Close()
	if err := repairTail(file); err != nil {
		return e, err
	}
	if _, err := file.Write(line); err != nil {
		return e, fmt.Errorf("runlog: append: %w", err)
	}
	if err := file.Sync(); err != nil {
		return e, fmt.Errorf("runlog: sync: %w", err)
	}
	return e, nil
}

// Entries returns every entry in file order. A torn final line left by an
// interrupted write is ignored.
func (l *Log) Entries() ([]Entry, error) {
	if l == nil {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

// Tail returns up to n of the most recent entries and the total count.
func (l *Log) Tail(n int) ([]Entry, int, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, 0, err
	}
	total := len(entries)
	if n <= 0 {
		return nil, total, nil
	}
	if total > n {
		entries = entries[total-n:]
	}
	return entries, total, nil
}

// Truncate rewrites the log keeping only entries for which keep returns
// true, and reports how many were dropped.
func (l *Log) Truncate(keep func(Entry) bool) (int, error) {
	if l == nil {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.read()
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	removed := 0
	for _, e := range entries {
		if !keep(e) {
			removed++
			continue
		}
		line, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("runlog: encode entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := project.WriteFileAtomic(l.path, buf.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("runlog: rewrite: %w", err)
	}
	return removed, nil
}

func (l *Log) read() ([]Entry, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("runlog: read: %w", err)
	}
	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			if !bytes.HasSuffix(data, []byte("\n")) && isLastLine(data, raw) {
				break
			}
			return nil, fmt.Errorf("runlog: line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("runlog: scan: %w", err)
	}
	return entries, nil
}

// repairTail makes sure the next append starts on a fresh line. An
// unterminated final line that holds a whole entry gets its newline; a torn
// fragment is cut off.
func repairTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("runlog: stat: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return fmt.Errorf("runlog: read tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil {
		return fmt.Errorf("runlog: read tail: %w", err)
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	if json.Valid(bytes.TrimSpace(data[keep:])) {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("runlog: terminate last line: %w", err)
		}
		return nil
	}
	if err := f.Truncate(int64(keep)); err != nil {
		return fmt.Errorf("runlog: drop torn line: %w", err)
	}
	return nil
}

func isLastLine(data, line []byte) bool {
	return bytes.HasSuffix(bytes.TrimSpace(data), line)
}

// Excerpt strips terminal escapes and keeps the last max bytes of s on a
// rune boundary. Error output tends to end with the useful part.
func Excerpt(s string, max int) string {
	s = ansi.Strip(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "…" + s[cut:]
}
