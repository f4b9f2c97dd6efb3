package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Codec encodes one Envelope into the bytes a backend appends to its
// partition file, and names the file extension and on-disk schema label.
type Codec interface {
	Encode(e Envelope) ([]byte, error)
	Ext() string
	Schema() string // "v2" (verbose) | "v3" (compact), matching the path example in §4.4
}

// jsonCodec implements text/verbose and text/compact: one JSON object per
// line, newline-terminated.
type jsonCodec struct {
	verbose bool
}

func (c jsonCodec) Ext() string { return "jsonl" }

func (c jsonCodec) Schema() string {
	if c.verbose {
		return "v2"
	}
	return "v3"
}

func (c jsonCodec) Encode(e Envelope) ([]byte, error) {
	var payload any
	if c.verbose {
		if e.Verbose == nil {
			return nil, fmt.Errorf("store: verbose codec requires envelope.Verbose")
		}
		payload = e.Verbose
	} else {
		if e.Compact == nil {
			return nil, fmt.Errorf("store: compact codec requires envelope.Compact")
		}
		payload = e.Compact
	}
	line, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("store: encode json record: %w", err)
	}
	line = append(line, '\n')
	return line, nil
}

// binaryCodec implements binary/compact (there is no binary/verbose
// backend): length-prefixed records, uint32 little-endian length then a
// protobuf-wire payload (see wire_fields.go).
type binaryCodec struct{}

func (c binaryCodec) Ext() string    { return "pb" }
func (c binaryCodec) Schema() string { return "v3" }

func (c binaryCodec) Encode(e Envelope) ([]byte, error) {
	if e.Compact == nil {
		return nil, fmt.Errorf("store: binary codec requires envelope.Compact")
	}
	payload := marshalTickWire(e.Compact)

	record := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(record[:4], uint32(len(payload)))
	copy(record[4:], payload)
	return record, nil
}
