package tick

import "testing"

func f(v float64) *float64 { return &v }

func TestCompactVerboseRoundTrip(t *testing.T) {
	original := &Message{
		Ts:       1754008313000000,
		St:       1754008313050000,
		Cid:      711280073,
		Tt:       BidAsk,
		Rid:      3520,
		BidPrice: f(23260.0),
		BidSize:  f(4),
		AskPrice: f(23260.5),
		AskSize:  f(2),
	}

	streamID := StreamID(original.Cid, original.Tt, original.Ts/1000, original.Rid)
	verbose := original.ToVerbose(streamID)

	if verbose.Data.BidPastLow || verbose.Data.AskPastHigh {
		t.Fatalf("false optional booleans must be omitted, got bid_past_low=%v ask_past_high=%v",
			verbose.Data.BidPastLow, verbose.Data.AskPastHigh)
	}

	back, err := FromVerbose(verbose)
	if err != nil {
		t.Fatalf("FromVerbose: %v", err)
	}

	if back.Cid != original.Cid || back.Tt != original.Tt || back.Rid != original.Rid {
		t.Fatalf("round trip changed identity fields: got %+v want cid/tt/rid of %+v", back, original)
	}
	if back.Ts != original.Ts {
		t.Fatalf("round trip changed ts: got %d want %d", back.Ts, original.Ts)
	}
	if *back.BidPrice != *original.BidPrice || *back.AskPrice != *original.AskPrice {
		t.Fatalf("round trip changed price fields")
	}
	if back.BidPastLow || back.AskPastHigh {
		t.Fatalf("round trip must not resurrect omitted false booleans")
	}
}

func TestFromVerbosePreservesRidWithoutRehashing(t *testing.T) {
	v := Verbose{
		Type:     "tick",
		StreamID: "711280073_bid_ask_1754008313914_3520",
		Data:     VerboseData{BidPrice: f(1), UnixTime: 1754008313000000},
		Metadata: VerboseMetadata{ContractID: "711280073", TickType: "bid_ask", RequestID: "3520"},
	}
	m, err := FromVerbose(v)
	if err != nil {
		t.Fatalf("FromVerbose: %v", err)
	}
	if m.Rid != 3520 {
		t.Fatalf("rid must be preserved verbatim from metadata.request_id, got %d", m.Rid)
	}
}

func TestParseStreamIDRoundTrip(t *testing.T) {
	id := StreamID(711280073, AllLast, 1754008313914, 3520)
	parsed, err := ParseStreamID(id)
	if err != nil {
		t.Fatalf("ParseStreamID: %v", err)
	}
	if parsed.Cid != 711280073 || parsed.Tt != AllLast || parsed.UnixMs != 1754008313914 || parsed.Rid != 3520 {
		t.Fatalf("parsed stream id mismatch: %+v", parsed)
	}
}

func TestParseTypeRejectsUnknown(t *testing.T) {
	if _, err := ParseType("bogus"); err == nil {
		t.Fatalf("expected error for unknown tick type")
	}
}

func TestValidateRequiresNonzeroCidAndRid(t *testing.T) {
	m := &Message{Tt: Last}
	if err := m.Validate(); err == nil {
		t.Fatalf("expected validation error for zero cid/rid")
	}
}

func TestSkewExceeded(t *testing.T) {
	m := &Message{Ts: 10_000_000, St: 1_000_000} // ts way ahead of st
	if !m.SkewExceeded(ClockSkewTolerance) {
		t.Fatalf("expected skew to exceed tolerance")
	}
	m2 := &Message{Ts: 1_000_000, St: 1_000_000}
	if m2.SkewExceeded(ClockSkewTolerance) {
		t.Fatalf("did not expect skew to exceed tolerance for equal ts/st")
	}
}
