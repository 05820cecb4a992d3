package logging

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	DefaultBufferSize = 5000
	DefaultRetention  = 24 * time.Hour
)

// Entry is one captured log line.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Logger  string         `json:"logger,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// ring is a fixed capacity FIFO. When full the oldest entry is overwritten.
type ring struct {
	mu      sync.Mutex
	entries []Entry
	start   int
	size    int

	retention time.Duration
	stop      chan struct{}
	done      chan struct{}
}

func (r *ring) push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size < len(r.entries) {
		r.entries[(r.start+r.size)%len(r.entries)] = e
		r.size++
		return
	}
	r.entries[r.start] = e
	r.start = (r.start + 1) % len(r.entries)
}

// Buffer is a zapcore.Core keeping the most recent entries in memory.
type Buffer struct {
	zapcore.LevelEnabler
	ring   *ring
	fields []zapcore.Field
}

var _ zapcore.Core = (*Buffer)(nil)

// NewBuffer keeps at most size entries, none older than retention once
// pruning has started.
func NewBuffer(size int, retention time.Duration, level zapcore.LevelEnabler) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if level == nil {
		level = zapcore.DebugLevel
	}
	return &Buffer{
		LevelEnabler: level,
		ring:         &ring{entries: make([]Entry, size), retention: retention},
	}
}

func (b *Buffer) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(b.fields)+len(fields))
	merged = append(merged, b.fields...)
	merged = append(merged, fields...)
	return &Buffer{LevelEnabler: b.LevelEnabler, ring: b.ring, fields: merged}
}

func (b *Buffer) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if b.Enabled(ent.Level) {
		return ce.AddCore(ent, b)
	}
	return ce
}

func (b *Buffer) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range b.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	e := Entry{
		Time:    ent.Time,
		Level:   ent.Level.String(),
		Logger:  ent.LoggerName,
		Message: ent.Message,
	}
	if len(enc.Fields) > 0 {
		e.Fields = enc.Fields
	}
	b.ring.push(e)
	return nil
}

func (b *Buffer) Sync() error { return nil }

// Recent returns the entries of the last window, oldest first. A window of
// zero returns everything held.
func (b *Buffer) Recent(window time.Duration) []Entry {
	r := b.ring
	r.mu.Lock()
	defer r.mu.Unlock()

	var cutoff time.Time
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}
	out := make([]Entry, 0, r.size)
	for i := 0; i < r.size; i++ {
		e := r.entries[(r.start+i)%len(r.entries)]
		if e.Time.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (b *Buffer) Len() int {
	b.ring.mu.Lock()
	defer b.ring.mu.Unlock()
	return b.ring.size
}

// Prune drops entries older than the retention relative to now and
// returns how many were dropped. Entries are pushed in time order, so
// pruning stops at the first young entry.
func (b *Buffer) Prune(now time.Time) int {
	r := b.ring
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.retention)
	dropped := 0
	for r.size > 0 && r.entries[r.start].Time.Before(cutoff) {
		r.entries[r.start] = Entry{}
		r.start = (r.start + 1) % len(r.entries)
		r.size--
		dropped++
	}
	return dropped
}

// Start prunes every interval until Stop. Calling Start twice is a no-op.
func (b *Buffer) Start(interval time.Duration) {
	r := b.ring
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stop, r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				b.Prune(now)
			}
		}
	}()
}

// Stop ends pruning and waits for the pruning goroutine.
func (b *Buffer) Stop() {
	r := b.ring
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
