// Package tick implements the wire data model: the canonical compact
// TickMessage, the verbose legacy form, StreamId encoding, and the pure
// conversions between them. Nothing in this package performs I/O.
package tick

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type is the tick-type tag carried on every TickMessage.
type Type string

const (
	BidAsk   Type = "bid_ask"
	Last     Type = "last"
	AllLast  Type = "all_last"
	MidPoint Type = "mid_point"
)

// ParseType validates a wire tick-type label.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case BidAsk, Last, AllLast, MidPoint:
		return Type(s), nil
	default:
		return "", fmt.Errorf("%w: unknown tick type %q", ErrInvalidTickType, s)
	}
}

// Message is the canonical compact form (§3). Only the fields valid for Tt
// are meaningful; the JSON tags match the wire's short field names.
type Message struct {
	Ts  uint64 `json:"ts"`
	St  uint64 `json:"st"`
	Cid uint32 `json:"cid"`
	Tt  Type   `json:"tt"`
	Rid uint32 `json:"rid"`

	// bid_ask
	BidPrice     *float64 `json:"bp,omitempty"`
	BidSize      *float64 `json:"bs,omitempty"`
	AskPrice     *float64 `json:"ap,omitempty"`
	AskSize      *float64 `json:"as,omitempty"`
	BidPastLow   bool     `json:"bpl,omitempty"`
	AskPastHigh  bool     `json:"aph,omitempty"`

	// last / all_last
	Price      *float64 `json:"p,omitempty"`
	Size       *float64 `json:"s,omitempty"`
	Unreported bool     `json:"upt,omitempty"`

	// mid_point
	MidPrice *float64 `json:"mp,omitempty"`
}

// ClockSkewTolerance is the default allowance between Ts and St before the
// skew metric fires (§3 invariant); it is a variable, not a constant, so
// the process can override it from config without a second code path.
var ClockSkewTolerance = 5 * time.Second

// Validate checks the §3 invariants that do not depend on configuration.
// Clock-skew violations are reported, not rejected: the caller still
// stores the tick and only bumps a metric.
func (m *Message) Validate() error {
	if m.Tt == "" {
		return ErrInvalidTickType
	}
	if m.Cid == 0 {
		return fmt.Errorf("tick: cid must be nonzero")
	}
	if m.Rid == 0 {
		return fmt.Errorf("tick: rid must be nonzero")
	}
	return nil
}

// SkewExceeded reports whether ts is more than tolerance ahead of st, per the
// §3 invariant ts <= st + clock-skew-tolerance.
func (m *Message) SkewExceeded(tolerance time.Duration) bool {
	skewUs := uint64(tolerance / time.Microsecond)
	return m.Ts > m.St+skewUs
}

// StreamID formats the canonical stream identifier "{cid}_{tt}_{unix_ms}_{rid}".
func StreamID(cid uint32, tt Type, unixMs uint64, rid uint32) string {
	return fmt.Sprintf("%d_%s_%d_%d", cid, tt, unixMs, rid)
}

// ParsedStreamID holds the decomposed parts of a StreamID.
type ParsedStreamID struct {
	Cid    uint32
	Tt     Type
	UnixMs uint64
	Rid    uint32
}

// ParseStreamID reverses StreamID.
func ParseStreamID(s string) (ParsedStreamID, error) {
	parts := strings.Split(s, "_")
	if len(parts) < 4 {
		return ParsedStreamID{}, fmt.Errorf("stream id %q: expected 4 underscore-separated fields", s)
	}
	// tick types themselves contain underscores (bid_ask, all_last,
	// mid_point), so reassemble the middle fields: cid, tt (every token
	// between cid and the last two), unix_ms, rid.
	cid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return ParsedStreamID{}, fmt.Errorf("stream id %q: bad cid: %w", s, err)
	}
	ridStr := parts[len(parts)-1]
	msStr := parts[len(parts)-2]
	ttStr := strings.Join(parts[1:len(parts)-2], "_")

	tt, err := ParseType(ttStr)
	if err != nil {
		return ParsedStreamID{}, fmt.Errorf("stream id %q: %w", s, err)
	}
	ms, err := strconv.ParseUint(msStr, 10, 64)
	if err != nil {
		return ParsedStreamID{}, fmt.Errorf("stream id %q: bad timestamp: %w", s, err)
	}
	rid, err := strconv.ParseUint(ridStr, 10, 32)
	if err != nil {
		return ParsedStreamID{}, fmt.Errorf("stream id %q: bad rid: %w", s, err)
	}

	return ParsedStreamID{Cid: uint32(cid), Tt: tt, UnixMs: ms, Rid: uint32(rid)}, nil
}
