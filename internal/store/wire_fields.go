package store

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lakowske/ib-stream/internal/tick"
)

// Field numbers for the binary/compact on-disk schema. Stable: changing
// them would break every existing .pb partition file.
const (
	fieldTs          = 1
	fieldSt          = 2
	fieldCid         = 3
	fieldTt          = 4
	fieldRid         = 5
	fieldBidPrice    = 6
	fieldBidSize     = 7
	fieldAskPrice    = 8
	fieldAskSize     = 9
	fieldBidPastLow  = 10
	fieldAskPastHigh = 11
	fieldPrice       = 12
	fieldSize        = 13
	fieldUnreported  = 14
	fieldMidPrice    = 15
)

// marshalTickWire hand-encodes a compact TickMessage as protobuf wire
// bytes using the low-level protowire builders, omitting exactly the
// fields the compact schema omits (§4.3): absent optionals are not
// written, and false optional booleans are not written.
func marshalTickWire(m *tick.Message) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTs, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Ts)
	b = protowire.AppendTag(b, fieldSt, protowire.VarintType)
	b = protowire.AppendVarint(b, m.St)
	b = protowire.AppendTag(b, fieldCid, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Cid))
	b = protowire.AppendTag(b, fieldTt, protowire.BytesType)
	b = protowire.AppendString(b, string(m.Tt))
	b = protowire.AppendTag(b, fieldRid, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Rid))

	appendOptDouble(&b, fieldBidPrice, m.BidPrice)
	appendOptDouble(&b, fieldBidSize, m.BidSize)
	appendOptDouble(&b, fieldAskPrice, m.AskPrice)
	appendOptDouble(&b, fieldAskSize, m.AskSize)
	if m.BidPastLow {
		b = protowire.AppendTag(b, fieldBidPastLow, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.AskPastHigh {
		b = protowire.AppendTag(b, fieldAskPastHigh, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	appendOptDouble(&b, fieldPrice, m.Price)
	appendOptDouble(&b, fieldSize, m.Size)
	if m.Unreported {
		b = protowire.AppendTag(b, fieldUnreported, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	appendOptDouble(&b, fieldMidPrice, m.MidPrice)

	return b
}

func appendOptDouble(b *[]byte, field protowire.Number, v *float64) {
	if v == nil {
		return
	}
	*b = protowire.AppendTag(*b, field, protowire.Fixed64Type)
	*b = protowire.AppendFixed64(*b, math.Float64bits(*v))
}

// unmarshalTickWire decodes bytes produced by marshalTickWire.
func unmarshalTickWire(data []byte) (*tick.Message, error) {
	m := &Message0{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("store: malformed binary record: bad tag")
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("store: malformed binary record: bad varint")
			}
			data = data[n:]
			applyVarintField(m, int32(num), v)
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, fmt.Errorf("store: malformed binary record: bad fixed64")
			}
			data = data[n:]
			applyFixed64Field(m, int32(num), math.Float64frombits(v))
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("store: malformed binary record: bad bytes")
			}
			data = data[n:]
			if num == fieldTt {
				m.Tt = tick.Type(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("store: malformed binary record: unsupported wire type")
			}
			data = data[n:]
		}
	}
	return m.toMessage(), nil
}

// Message0 accumulates decoded fields before they're assembled into a
// tick.Message; it exists because protobuf wire decoding is field-at-a-time
// and optional numeric fields need pointer semantics only once all fields
// are seen.
type Message0 struct {
	Ts, St           uint64
	Cid              uint32
	Tt               tick.Type
	Rid              uint32
	BidPrice         *float64
	BidSize          *float64
	AskPrice         *float64
	AskSize          *float64
	BidPastLow       bool
	AskPastHigh      bool
	Price            *float64
	Size             *float64
	Unreported       bool
	MidPrice         *float64
}

func applyVarintField(m *Message0, num int32, v uint64) {
	switch num {
	case fieldTs:
		m.Ts = v
	case fieldSt:
		m.St = v
	case fieldCid:
		m.Cid = uint32(v)
	case fieldRid:
		m.Rid = uint32(v)
	case fieldBidPastLow:
		m.BidPastLow = v != 0
	case fieldAskPastHigh:
		m.AskPastHigh = v != 0
	case fieldUnreported:
		m.Unreported = v != 0
	}
}

func applyFixed64Field(m *Message0, num int32, v float64) {
	switch num {
	case fieldBidPrice:
		m.BidPrice = &v
	case fieldBidSize:
		m.BidSize = &v
	case fieldAskPrice:
		m.AskPrice = &v
	case fieldAskSize:
		m.AskSize = &v
	case fieldPrice:
		m.Price = &v
	case fieldSize:
		m.Size = &v
	case fieldMidPrice:
		m.MidPrice = &v
	}
}

func (m *Message0) toMessage() *tick.Message {
	return &tick.Message{
		Ts: m.Ts, St: m.St, Cid: m.Cid, Tt: m.Tt, Rid: m.Rid,
		BidPrice: m.BidPrice, BidSize: m.BidSize, AskPrice: m.AskPrice, AskSize: m.AskSize,
		BidPastLow: m.BidPastLow, AskPastHigh: m.AskPastHigh,
		Price: m.Price, Size: m.Size, Unreported: m.Unreported,
		MidPrice: m.MidPrice,
	}
}
