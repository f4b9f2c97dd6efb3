package store

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lakowske/ib-stream/internal/logging"
)

// openPartition tracks one exclusively-owned, currently-open partition
// file (§3 ownership: "a partition file is exclusively owned by the writer
// for that (cid, tt, hour)").
type openPartition struct {
	key     Key
	file    *os.File
	w       *bufio.Writer
	size    int64
	opened  time.Time
}

// Backend is one enabled (encoding, schema) sink: its own async writer
// task with its own bounded inbound queue (§4.4 write path).
type Backend struct {
	Name   string // e.g. "text/verbose", "binary/compact"; used in logs and metrics
	Root   string
	Codec  Codec
	Logger zerolog.Logger

	QueueSize     int
	FlushInterval time.Duration
	MaxFileSize   int64

	queue chan Envelope

	mu         sync.Mutex
	open       map[Key]*openPartition
	pending    int // messages written to bufio since last flush
	writeErrs  int64
	retryRing  []Envelope

	wg   sync.WaitGroup
	done chan struct{}
}

// NewBackend constructs a Backend; call Start to begin its writer task.
func NewBackend(name, root string, codec Codec, queueSize int, flushInterval time.Duration, maxFileSize int64, logger zerolog.Logger) *Backend {
	return &Backend{
		Name: name, Root: root, Codec: codec, Logger: logger,
		QueueSize: queueSize, FlushInterval: flushInterval, MaxFileSize: maxFileSize,
		open: make(map[Key]*openPartition),
		done: make(chan struct{}),
	}
}

// Start creates the inbound queue and launches the writer task.
func (b *Backend) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(b.Root, filepath.FromSlash(b.Codec.Schema())), 0o755); err != nil {
		return fmt.Errorf("store: %s: create root: %w", b.Name, err)
	}
	b.queue = make(chan Envelope, b.QueueSize)
	b.wg.Add(1)
	go b.run(ctx)
	return nil
}

// Store enqueues an envelope for asynchronous persistence; it never
// blocks the publisher (§4.4/§5): on a full queue the message is dropped
// into a small bounded retry ring, oldest discarded on overflow.
func (b *Backend) Store(e Envelope) {
	select {
	case b.queue <- e:
	default:
		b.mu.Lock()
		b.retryRing = append(b.retryRing, e)
		if len(b.retryRing) > 64 {
			b.retryRing = b.retryRing[1:]
		}
		b.writeErrs++
		b.mu.Unlock()
	}
}

// Stop drains the queue with a deadline, then force-closes every open
// partition file (§5 shutdown semantics).
func (b *Backend) Stop() error {
	close(b.queue)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.Logger.Warn().Str("backend", b.Name).Msg("store: writer drain deadline exceeded, forcing close")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.open {
		p.w.Flush()
		p.file.Sync()
		p.file.Close()
	}
	b.open = nil
	return nil
}

// WriteErrors reports the running STORAGE_WRITE_FAILED count for this
// backend's metrics (§7).
func (b *Backend) WriteErrors() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeErrs
}

// QueueDepth reports how many envelopes are currently buffered in this
// backend's inbound queue, for the §6 /stats endpoint.
func (b *Backend) QueueDepth() int {
	return len(b.queue)
}

// NewestFileAge reports how long ago this backend's most recently opened
// partition file was created, for the §6 /stats "newest-file age" field.
// Zero with ok=false means the backend has no open partition yet.
func (b *Backend) NewestFileAge() (age time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var newest time.Time
	for _, p := range b.open {
		if p.opened.After(newest) {
			newest = p.opened
		}
	}
	if newest.IsZero() {
		return 0, false
	}
	return time.Since(newest), true
}

func (b *Backend) run(ctx context.Context) {
	defer b.wg.Done()
	defer logging.RecoverPanic(b.Logger, "store.writer."+b.Name, nil)

	ticker := time.NewTicker(b.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-b.queue:
			if !ok {
				b.flushAll()
				return
			}
			b.write(e)
		case <-ticker.C:
			b.flushAll()
		case <-ctx.Done():
			b.drainAndFlush()
			return
		}
	}
}

func (b *Backend) drainAndFlush() {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-b.queue:
			if !ok {
				b.flushAll()
				return
			}
			b.write(e)
		case <-deadline:
			b.flushAll()
			return
		}
	}
}

func (b *Backend) write(e Envelope) {
	payload, err := b.Codec.Encode(e)
	if err != nil {
		b.mu.Lock()
		b.writeErrs++
		b.mu.Unlock()
		b.Logger.Error().Err(err).Str("backend", b.Name).Msg("store: encode failed")
		return
	}

	key := KeyForTs(e.Cid, e.Tt, e.Ts)

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.open[key]
	if ok && (time.Now().After(p.key.HourStart().Add(time.Hour)) || p.size+int64(len(payload)) > b.MaxFileSize) {
		b.rotateLocked(key)
		ok = false
	}
	if !ok {
		var err error
		p, err = b.openPartitionLocked(key)
		if err != nil {
			b.writeErrs++
			b.Logger.Error().Err(err).Str("backend", b.Name).Msg("store: open partition failed")
			return
		}
	}

	if _, err := p.w.Write(payload); err != nil {
		b.writeErrs++
		b.Logger.Error().Err(err).Str("backend", b.Name).Msg("store: write record failed")
		return
	}
	p.size += int64(len(payload))
	b.pending++
	if b.pending >= 500 {
		b.flushLocked()
	}
}

func (b *Backend) openPartitionLocked(key Key) (*openPartition, error) {
	dir := key.Dir(b.Root, b.encodingLabel(), b.Codec.Schema())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	now := time.Now()
	name := key.FileName(b.Codec.Ext(), now)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	p := &openPartition{key: key, file: f, w: bufio.NewWriter(f), opened: now}
	b.open[key] = p
	return p, nil
}

// rotateLocked closes the current partition file (flush+sync, per §4.4
// "fsync-on-rotate not fsync-per-record") before the caller opens a fresh
// one for the same key.
func (b *Backend) rotateLocked(key Key) {
	p, ok := b.open[key]
	if !ok {
		return
	}
	p.w.Flush()
	p.file.Sync()
	p.file.Close()
	delete(b.open, key)
}

func (b *Backend) flushAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Backend) flushLocked() {
	for _, p := range b.open {
		p.w.Flush()
	}
	b.pending = 0
}

// encodingLabel maps the codec to the path-layout encoding segment (§4.4:
// "text" or "binary").
func (b *Backend) encodingLabel() string {
	switch b.Codec.(type) {
	case binaryCodec:
		return "binary"
	default:
		return "text"
	}
}
