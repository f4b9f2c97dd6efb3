package store

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/lakowske/ib-stream/internal/tick"
)

// QueryParams describes a bounded historical range scan (§4.4 query path).
type QueryParams struct {
	Cid   uint32
	Tts   []tick.Type
	T0    uint64 // inclusive, microseconds
	T1    uint64 // inclusive, microseconds
	Limit int    // 0 means unbounded
}

// streamReader yields successive decoded records from one tick type's
// partitions, in ts order, without loading a whole file into memory.
type streamReader struct {
	tt        tick.Type
	codec     Codec
	encoding  string
	root      string
	cid       uint32
	t0, t1    uint64
	partition []Key // ordered hour partitions to scan
	idx       int

	file   *os.File
	reader *bufio.Reader

	truncatedTail int
}

func newStreamReader(root, encoding string, codec Codec, cid uint32, tt tick.Type, t0, t1 uint64) *streamReader {
	return &streamReader{
		tt: tt, codec: codec, encoding: encoding, root: root, cid: cid,
		t0: t0, t1: t1, partition: hourPartitions(cid, tt, t0, t1),
	}
}

func hourPartitions(cid uint32, tt tick.Type, t0, t1 uint64) []Key {
	start := KeyForTs(cid, tt, t0).HourStart()
	end := KeyForTs(cid, tt, t1).HourStart()
	var keys []Key
	for h := start; !h.After(end); h = h.Add(time.Hour) {
		keys = append(keys, KeyForTs(cid, tt, uint64(h.UnixMicro())))
	}
	return keys
}

// next returns the next in-range record, or (nil, io.EOF) when exhausted.
func (s *streamReader) next() (*tick.Message, error) {
	for {
		if s.reader == nil {
			if !s.openNextPartition() {
				return nil, io.EOF
			}
		}

		msg, err := s.readOneRecord()
		if err == io.EOF {
			s.closeCurrent()
			continue
		}
		if err != nil {
			return nil, err
		}
		if msg.Ts < s.t0 || msg.Ts > s.t1 {
			continue
		}
		return msg, nil
	}
}

func (s *streamReader) openNextPartition() bool {
	for s.idx < len(s.partition) {
		key := s.partition[s.idx]
		s.idx++
		dir := key.Dir(s.root, s.encoding, s.codec.Schema())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // partition absent: no ticks recorded that hour
		}
		for _, ent := range entries {
			if filepath.Ext(ent.Name()) != "."+s.codec.Ext() {
				continue
			}
			f, err := os.Open(filepath.Join(dir, ent.Name()))
			if err != nil {
				continue
			}
			s.file = f
			s.reader = bufio.NewReader(f)
			return true
		}
	}
	return false
}

func (s *streamReader) closeCurrent() {
	if s.file != nil {
		s.file.Close()
	}
	s.file = nil
	s.reader = nil
}

func (s *streamReader) readOneRecord() (*tick.Message, error) {
	switch s.codec.(type) {
	case binaryCodec:
		return s.readBinaryRecord()
	default:
		return s.readJSONLine()
	}
}

func (s *streamReader) readJSONLine() (*tick.Message, error) {
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			// Truncated trailing record: a concurrent writer may still be
			// mid-write. Skip it rather than erroring (§4.4/§8).
			s.truncatedTail++
			return nil, io.EOF
		}
		return nil, io.EOF
	}

	if isVerboseSchema(s.codec) {
		var v tick.Verbose
		if err := json.Unmarshal(line, &v); err != nil {
			s.truncatedTail++
			return s.readOneRecord()
		}
		return tick.FromVerbose(v)
	}

	var m tick.Message
	if err := json.Unmarshal(line, &m); err != nil {
		s.truncatedTail++
		return s.readOneRecord()
	}
	return &m, nil
}

func (s *streamReader) readBinaryRecord() (*tick.Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.reader, lenBuf[:]); err != nil {
		return nil, io.EOF
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(s.reader, payload); err != nil {
		// Partial trailing record: writer had written the length prefix
		// but not yet the payload when we read it.
		s.truncatedTail++
		return nil, io.EOF
	}
	return unmarshalTickWire(payload)
}

func isVerboseSchema(c Codec) bool {
	jc, ok := c.(jsonCodec)
	return ok && jc.verbose
}

// mergeItem is one entry in the k-way merge-by-ts heap.
type mergeItem struct {
	msg    *tick.Message
	stream *streamReader
	order  int // stable tie-break: partition/stream order
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].msg.Ts != h[j].msg.Ts {
		return h[i].msg.Ts < h[j].msg.Ts
	}
	return h[i].order < h[j].order
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Cursor is the lazy sequence QueryRange returns; callers pull with Next
// until it returns io.EOF. It never loads an entire partition file into
// memory (§4.4).
type Cursor struct {
	heap    mergeHeap
	limit   int
	emitted int
}

// Next returns the next record in ts-ascending order (stable by partition
// order on ties), or io.EOF when the range is exhausted or Limit is hit.
func (c *Cursor) Next() (*tick.Message, error) {
	if c.limit > 0 && c.emitted >= c.limit {
		return nil, io.EOF
	}
	if c.heap.Len() == 0 {
		return nil, io.EOF
	}

	top := heap.Pop(&c.heap).(*mergeItem)
	msg := top.msg

	nextMsg, err := top.stream.next()
	if err == nil {
		top.msg = nextMsg
		heap.Push(&c.heap, top)
	} else if err != io.EOF {
		return nil, fmt.Errorf("store: query stream error: %w", err)
	}

	c.emitted++
	return msg, nil
}

// Close releases any still-open partition file handles (used when a
// caller abandons a Cursor before exhausting it).
func (c *Cursor) Close() {
	for _, item := range c.heap {
		item.stream.closeCurrent()
	}
}

// QueryRange opens a lazy, ts-ordered cursor over every tick type's
// partitions intersecting [t0, t1] (§4.4 query path, §8 historical
// invariant).
func (b *Backend) QueryRange(p QueryParams) (*Cursor, error) {
	h := mergeHeap{}
	for i, tt := range p.Tts {
		sr := newStreamReader(b.Root, b.encodingLabel(), b.Codec, p.Cid, tt, p.T0, p.T1)
		msg, err := sr.next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return nil, err
		}
		heap.Push(&h, &mergeItem{msg: msg, stream: sr, order: i})
	}
	return &Cursor{heap: h, limit: p.Limit}, nil
}
