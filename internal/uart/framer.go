package uart

import (
	"bytes"
	"fmt"

	"github.com/smallnest/ringbuffer"
)

// Framing selects how notification payloads map to samples.
type Framing string

const (
	// FramingPacket treats every notification as exactly one sample.
	FramingPacket Framing = "packet"
	// FramingLine reassembles delimiter-terminated samples across notifications.
	FramingLine Framing = "line"
)

// ParseFraming validates a framing name.
func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case FramingPacket, "":
		return FramingPacket, nil
	case FramingLine:
		return FramingLine, nil
	default:
		return "", fmt.Errorf("invalid framing %q (must be packet or line)", s)
	}
}

// DefaultMaxRecord is the ring capacity, and so the longest record, a
// Framer accepts by default.
const DefaultMaxRecord = 32

// Framer splits a byte stream into delimiter-terminated records. The
// incomplete record is held in a bounded ring between feeds; a record that
// outgrows the ring is discarded up to the next delimiter.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	delim      byte
	buf        *ringbuffer.RingBuffer
	discarding bool
	overflows  int
}

// NewFramer creates a framer whose records hold at most maxRecord bytes.
// A non-positive maxRecord selects DefaultMaxRecord.
func NewFramer(delim byte, maxRecord int) *Framer {
	if maxRecord <= 0 {
		maxRecord = DefaultMaxRecord
	}
	return &Framer{delim: delim, buf: ringbuffer.New(maxRecord)}
}

// Feed appends chunk and returns every record it completed, without the delimiter.
func (f *Framer) Feed(chunk []byte) [][]byte {
	var out [][]byte
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, f.delim)
		if i < 0 {
			f.stage(chunk)
			break
		}
		f.stage(chunk[:i])
		if rec := f.take(); len(rec) > 0 {
			out = append(out, rec)
		}
		chunk = chunk[i+1:]
	}
	return out
}

// stage appends part to the record in the ring.
func (f *Framer) stage(part []byte) {
	if f.discarding || len(part) == 0 {
		return
	}
	if f.buf.Free() < len(part) {
		f.overflows++
		f.discarding = true
		f.buf.Reset()
		return
	}
	_, _ = f.buf.Write(part)
}

// take dequeues the record a delimiter just completed.
func (f *Framer) take() []byte {
	if f.discarding {
		f.discarding = false
		return nil
	}
	rec := make([]byte, f.buf.Length())
	n, _ := f.buf.Read(rec)
	return rec[:n]
}

// Pending returns the bytes of the incomplete record.
func (f *Framer) Pending() []byte {
	rec := make([]byte, f.buf.Length())
	n, _ := f.buf.Read(rec)
	rec = rec[:n]
	_, _ = f.buf.Write(rec)
	return rec
}

// Overflows counts records dropped for exceeding the ring.
func (f *Framer) Overflows() int { return f.overflows }

// Reset drops any partial record.
func (f *Framer) Reset() {
	f.buf.Reset()
	f.discarding = false
}

// Splitter maps notification payloads to sample records according to a framing.
type Splitter struct {
	framing Framing
	framer  *Framer
}

// NewSplitter creates a splitter. delim is only used by FramingLine.
func NewSplitter(framing Framing, delim byte) *Splitter {
	s := &Splitter{framing: framing}
	if framing == FramingLine {
		s.framer = NewFramer(delim, 0)
	}
	return s
}

// Records returns the sample records contained in one notification payload.
func (s *Splitter) Records(value []byte) [][]byte {
	if s.framer == nil {
		return [][]byte{value}
	}
	return s.framer.Feed(value)
}

// Reset discards partial records, e.g. after a reconnect.
func (s *Splitter) Reset() {
	if s.framer != nil {
		s.framer.Reset()
	}
}

func (s *Splitter) Framing() Framing { return s.framing }
