package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/callsync/internal/util"
)

// LogEntry is one log line. Level and Msg are lifted out of zerolog's JSON
// when the line is JSON.
type LogEntry struct {
	TS    time.Time `json:"ts"`
	Level string    `json:"level,omitempty"`
	Msg   string    `json:"msg"`
	Line  string    `json:"line"`
}

// LogBuffer is an io.Writer that keeps the last lines written to it and
// fans them out to live subscribers.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}
		e := parseLine(line)
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

func parseLine(line string) LogEntry {
	e := LogEntry{TS: time.Now(), Msg: line, Line: line}
	var z struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &z) == nil {
		e.Level = z.Level
		if z.Message != "" {
			e.Msg = z.Message
		}
	}
	return e
}

// Tail returns up to n of the newest entries. n <= 0 means all.
func (b *LogBuffer) Tail(n int) []LogEntry {
	return b.entries.Last(n)
}

func (b *LogBuffer) Subscribe() (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// GET /api/logs?tail=N
func (b *LogBuffer) serveJSON(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	writeJSON(w, http.StatusOK, b.Tail(n))
}

// GET /api/logs/stream, new lines only.
func (b *LogBuffer) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	sseHeaders(w)
	ch, cancel := b.Subscribe()
	defer cancel()
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, "log", e)
			flusher.Flush()
		}
	}
}
