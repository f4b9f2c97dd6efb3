// Package store implements the Append Store (§4.4): time-partitioned,
// append-only, per-(contract, tick-type, hour) file sets in two encodings
// and two schemas, plus the bounded historical range scan.
package store

import (
	"github.com/lakowske/ib-stream/internal/tick"
)

// Envelope is the StorageMessage abstraction (§3): every on-disk sink is an
// adapter over this value.
type Envelope struct {
	MessageID     string
	Ts            uint64 // broker event time, microseconds; drives the partition key
	Cid           uint32
	Tt            tick.Type
	FormatVersion string // "compact" | "verbose"

	Compact  *tick.Message
	Verbose  *tick.Verbose
}
