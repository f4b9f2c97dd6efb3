package broker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// The broker gateway speaks length-prefixed JSON frames: a uint32
// big-endian byte count followed by that many bytes of JSON. This is an
// invented minimal protocol (see DESIGN.md) standing in for the real
// broker wire API, which is out of scope for this core.

type frameKind string

const (
	frameSubscribe   frameKind = "subscribe"
	frameUnsubscribe frameKind = "unsubscribe"
	frameTick        frameKind = "tick"
	frameAck         frameKind = "ack"
	frameError       frameKind = "error"
)

type commandFrame struct {
	Kind frameKind `json:"kind"`
	Rid  uint32    `json:"rid"`
	Cid  uint32    `json:"cid"`
	Tt   string    `json:"tt"`
}

type tickFrame struct {
	Kind              frameKind `json:"kind"`
	Rid               uint32    `json:"rid"`
	Cid               uint32    `json:"cid"`
	Tt                string    `json:"tt"`
	UnixTime          uint64    `json:"unix_time"`
	UnixTimeIsSeconds bool      `json:"unix_time_is_seconds"`

	BidPrice, BidSize, AskPrice, AskSize *float64
	BidPastLow, AskPastHigh              bool

	Price, Size *float64
	Unreported  bool

	MidPrice *float64
}

type errorFrame struct {
	Kind    frameKind `json:"kind"`
	Rid     uint32    `json:"rid"`
	Message string    `json:"message"`
}

func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("broker: encode frame: %w", err)
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("broker: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("broker: write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame and sniffs its "kind" field to
// decide how to fully unmarshal it.
func readFrame(r io.Reader) (frameKind, []byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return "", nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > 16<<20 {
		return "", nil, fmt.Errorf("broker: frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", nil, err
	}
	var probe struct {
		Kind frameKind `json:"kind"`
	}
	if err := json.Unmarshal(buf, &probe); err != nil {
		return "", nil, fmt.Errorf("broker: decode frame kind: %w", err)
	}
	return probe.Kind, buf, nil
}
