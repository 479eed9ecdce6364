package agent

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// streamWriter splits child output into lines, strips terminal escape
// sequences and forwards each line to an optional sink while keeping the
// last max bytes for the Result.
type streamWriter struct {
	mu      sync.Mutex
	sink    io.Writer
	max     int
	partial []byte
	kept    []byte
}

func newStreamWriter(sink io.Writer, max int) *streamWriter {
	return &streamWriter{sink: sink, max: max}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial = append(w.partial, p...)
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		w.emit(string(w.partial[:idx]))
		w.partial = w.partial[idx+1:]
	}
	// Output without newlines is emitted in max-sized pieces.
	if w.max > 0 && len(w.partial) > w.max {
		w.emit(string(w.partial))
		w.partial = nil
	}
	return len(p), nil
}

// Flush emits a trailing line that had no newline.
func (w *streamWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = nil
	}
}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.kept)
}

func (w *streamWriter) emit(line string) {
	line = CleanLine(line)
	if w.sink != nil {
		_, _ = io.WriteString(w.sink, line+"\n")
	}
	w.kept = append(w.kept, line...)
	w.kept = append(w.kept, '\n')
	if w.max > 0 && len(w.kept) > w.max {
		w.kept = w.kept[len(w.kept)-w.max:]
	}
}

// CleanLine removes ANSI escape sequences, backspace overstrikes and
// carriage-return progress redraws from a line of terminal output.
func CleanLine(line string) string {
	line = strings.TrimRight(line, "\r")
	if i := strings.LastIndexByte(line, '\r'); i >= 0 {
		line = line[i+1:]
	}
	if strings.Contains(line, "\b") {
		out := make([]rune, 0, len(line))
		for _, r := range line {
			if r == '\b' {
				if len(out) > 0 {
					out = out[:len(out)-1]
				}
				continue
			}
			out = append(out, r)
		}
		line = string(out)
	}
	return ansi.Strip(line)
}
