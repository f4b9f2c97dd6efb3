package tick

import (
	"fmt"
	"strconv"
	"time"
)

// VerboseData carries the variant payload using the long legacy field
// names (§3 "Verbose legacy form").
type VerboseData struct {
	BidPrice    *float64 `json:"bid_price,omitempty"`
	BidSize     *float64 `json:"bid_size,omitempty"`
	AskPrice    *float64 `json:"ask_price,omitempty"`
	AskSize     *float64 `json:"ask_size,omitempty"`
	BidPastLow  bool     `json:"bid_past_low,omitempty"`
	AskPastHigh bool     `json:"ask_past_high,omitempty"`

	Price      *float64 `json:"price,omitempty"`
	Size       *float64 `json:"size,omitempty"`
	Unreported bool     `json:"unreported,omitempty"`

	MidPrice *float64 `json:"mid_price,omitempty"`

	UnixTime uint64 `json:"unix_time"`
}

// VerboseMetadata carries the verbose form's bookkeeping fields.
type VerboseMetadata struct {
	ContractID string `json:"contract_id"`
	TickType   string `json:"tick_type"`
	RequestID  string `json:"request_id"`
	Source     string `json:"source,omitempty"`
}

// Verbose is the wrapper emitted on the wire for v2-marked endpoints and
// accepted on input for back-compat conversion.
type Verbose struct {
	Type      string          `json:"type"`
	StreamID  string          `json:"stream_id"`
	Timestamp string          `json:"timestamp"`
	Data      VerboseData     `json:"data"`
	Metadata  VerboseMetadata `json:"metadata"`
}

// ToVerbose converts a compact Message into the verbose wrapper. st (system
// receive time) is informational only per the §8 scenario 6 note.
func (m *Message) ToVerbose(streamID string) Verbose {
	return Verbose{
		Type:      "tick",
		StreamID:  streamID,
		Timestamp: microsToRFC3339(m.Ts),
		Data: VerboseData{
			BidPrice:    m.BidPrice,
			BidSize:     m.BidSize,
			AskPrice:    m.AskPrice,
			AskSize:     m.AskSize,
			BidPastLow:  m.BidPastLow,
			AskPastHigh: m.AskPastHigh,
			Price:       m.Price,
			Size:        m.Size,
			Unreported:  m.Unreported,
			MidPrice:    m.MidPrice,
			UnixTime:    m.Ts,
		},
		Metadata: VerboseMetadata{
			ContractID: strconv.FormatUint(uint64(m.Cid), 10),
			TickType:   string(m.Tt),
			RequestID:  strconv.FormatUint(uint64(m.Rid), 10),
		},
	}
}

// FromVerbose converts a verbose wrapper back into the compact form. The
// rid is taken verbatim from metadata.request_id: synthesizing or
// rehashing a new rid here would violate §9's explicit prohibition.
func FromVerbose(v Verbose) (*Message, error) {
	tt, err := ParseType(v.Metadata.TickType)
	if err != nil {
		return nil, err
	}
	cid, err := strconv.ParseUint(v.Metadata.ContractID, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("verbose->compact: bad contract_id %q: %w", v.Metadata.ContractID, err)
	}
	rid, err := strconv.ParseUint(v.Metadata.RequestID, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("verbose->compact: bad request_id %q: %w", v.Metadata.RequestID, err)
	}

	return &Message{
		Ts:          v.Data.UnixTime,
		Cid:         uint32(cid),
		Tt:          tt,
		Rid:         uint32(rid),
		BidPrice:    v.Data.BidPrice,
		BidSize:     v.Data.BidSize,
		AskPrice:    v.Data.AskPrice,
		AskSize:     v.Data.AskSize,
		BidPastLow:  v.Data.BidPastLow,
		AskPastHigh: v.Data.AskPastHigh,
		Price:       v.Data.Price,
		Size:        v.Data.Size,
		Unreported:  v.Data.Unreported,
		MidPrice:    v.Data.MidPrice,
	}, nil
}

func microsToRFC3339(us uint64) string {
	t := time.UnixMicro(int64(us)).UTC()
	return t.Format("2006-01-02T15:04:05.000000Z")
}
