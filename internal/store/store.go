package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Options configures which backends Store enables, mirroring the
// IB_STREAM_ENABLE_* environment toggles (§6).
type Options struct {
	Root             string
	EnableJSON       bool // text/compact (with V3) and text/verbose (with V2)
	EnableProtobuf   bool // binary/compact
	EnableV2Storage  bool // text/verbose
	EnableV3Storage  bool // text/compact + binary/compact, gated by the flags above
	QueueSize        int
	FlushInterval    time.Duration
	MaxFileSize      int64
}

// Store is the composition type spec.md §9 calls for: one interface
// {start, stop, store(batch), query(range)} fanning writes out across
// every enabled backend and choosing a backend for reads by format.
type Store struct {
	backends []*Backend
	byName   map[string]*Backend
}

// New builds the enabled backend set from Options.
func New(opts Options, logger zerolog.Logger) *Store {
	s := &Store{byName: make(map[string]*Backend)}

	add := func(name, schema string, codec Codec) {
		b := NewBackend(name, opts.Root, codec, opts.QueueSize, opts.FlushInterval, opts.MaxFileSize, logger.With().Str("store_backend", name).Logger())
		s.backends = append(s.backends, b)
		s.byName[name] = b
	}

	if opts.EnableV3Storage {
		if opts.EnableJSON {
			add("text/compact", "v3", jsonCodec{verbose: false})
		}
		if opts.EnableProtobuf {
			add("binary/compact", "v3", binaryCodec{})
		}
	}
	if opts.EnableV2Storage && opts.EnableJSON {
		add("text/verbose", "v2", jsonCodec{verbose: true})
	}

	return s
}

// Start launches every enabled backend's writer task.
func (s *Store) Start(ctx context.Context) error {
	for _, b := range s.backends {
		if err := b.Start(ctx); err != nil {
			return fmt.Errorf("store: start %s: %w", b.Name, err)
		}
	}
	return nil
}

// Stop drains and closes every backend.
func (s *Store) Stop() {
	for _, b := range s.backends {
		b.Stop()
	}
}

// StoreEnvelope fans one envelope out to every enabled backend.
func (s *Store) StoreEnvelope(e Envelope) {
	for _, b := range s.backends {
		b.Store(e)
	}
}

// QueryRange reads from the backend matching format ("json" -> text/compact,
// "protobuf" -> binary/compact), per §4.8's format selector.
func (s *Store) QueryRange(format string, p QueryParams) (*Cursor, error) {
	name := "text/compact"
	if format == "protobuf" {
		name = "binary/compact"
	}
	b, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("store: backend %q not enabled", name)
	}
	return b.QueryRange(p)
}

// Backends exposes the enabled backend list for metrics collection.
func (s *Store) Backends() []*Backend { return s.backends }
