package tick

import "time"

// Raw is what the upstream session's broker driver hands to the encoder:
// whatever fields the broker sent for this tick type, already demuxed by
// rid into a known (cid, tt) pair. UnixTime is in the broker's native
// units; UnixTimeIsSeconds tells FromRaw whether to multiply by 1e6.
type Raw struct {
	Cid               uint32
	Tt                Type
	Rid               uint32
	UnixTime          uint64
	UnixTimeIsSeconds bool

	BidPrice, BidSize, AskPrice, AskSize *float64
	BidPastLow, AskPastHigh             bool

	Price, Size *float64
	Unreported  bool

	MidPrice *float64
}

// FromRaw is the pure tick encoder (§4.3): it copies only the variant
// fields relevant to Tt and stamps system receive time. It performs no I/O.
func FromRaw(r Raw, now time.Time) *Message {
	ts := r.UnixTime
	if r.UnixTimeIsSeconds {
		ts = ts * 1_000_000
	}

	m := &Message{
		Ts:  ts,
		St:  uint64(now.UnixMicro()),
		Cid: r.Cid,
		Tt:  r.Tt,
		Rid: r.Rid,
	}

	switch r.Tt {
	case BidAsk:
		m.BidPrice = r.BidPrice
		m.BidSize = r.BidSize
		m.AskPrice = r.AskPrice
		m.AskSize = r.AskSize
		m.BidPastLow = r.BidPastLow
		m.AskPastHigh = r.AskPastHigh
	case Last, AllLast:
		m.Price = r.Price
		m.Size = r.Size
		m.Unreported = r.Unreported
	case MidPoint:
		m.MidPrice = r.MidPrice
	}

	return m
}
