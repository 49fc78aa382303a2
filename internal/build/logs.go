package build

import (
	"fmt"
	"strings"
	"sync"
)

const logTailSize = 40

// Logs accumulates build output. Consecutive duplicate lines collapse into
// a single "(repeated N more times)" entry.
type Logs struct {
	mu      sync.Mutex
	b       strings.Builder
	last    string
	repeats int
	tail    []string
	onLine  func(string)
}

// NewLogs returns an empty log sink; onLine, if set, receives every emitted
// line after the sink's lock is released, so it may read the sink.
func NewLogs(onLine func(string)) *Logs {
	return &Logs{onLine: onLine}
}

// Add appends a line.
func (l *Logs) Add(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	l.mu.Lock()
	if line == l.last {
		l.repeats++
		l.mu.Unlock()
		return
	}
	out := l.flushLocked()
	l.last = line
	out = append(out, l.recordLocked(line))
	l.mu.Unlock()
	l.emit(out)
}

// String returns everything collected so far.
func (l *Logs) String() string {
	l.mu.Lock()
	out := l.flushLocked()
	s := l.b.String()
	l.mu.Unlock()
	l.emit(out)
	return s
}

// Tail returns up to the last 40 emitted lines.
func (l *Logs) Tail() []string {
	l.mu.Lock()
	out := l.flushLocked()
	tail := append([]string(nil), l.tail...)
	l.mu.Unlock()
	l.emit(out)
	return tail
}

func (l *Logs) flushLocked() []string {
	if l.repeats == 0 {
		return nil
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", l.last, l.repeats)
	l.repeats = 0
	return []string{l.recordLocked(msg)}
}

func (l *Logs) recordLocked(line string) string {
	l.b.WriteString(line)
	l.b.WriteByte('\n')
	if len(l.tail) == logTailSize {
		l.tail = append(l.tail[1:], line)
	} else {
		l.tail = append(l.tail, line)
	}
	return line
}

func (l *Logs) emit(lines []string) {
	if l.onLine == nil {
		return
	}
	for _, line := range lines {
		l.onLine(line)
	}
}
