package events

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const (
	// ArgumentSize caps the bytes copied from the traced argument.
	ArgumentSize = 256
	// ArgumentOffset is where the argument starts inside a CaptureRecord.
	ArgumentOffset = 8
	// RecordSize is the size of one CaptureRecord in the ring buffer.
	RecordSize = ArgumentOffset + ArgumentSize
)

// CaptureRecord mirrors the record written by the capture program.
type CaptureRecord struct {
	PID      uint64
	Argument [ArgumentSize]byte
}

// Decode parses one raw ring buffer sample.
func Decode(raw []byte) (CaptureRecord, error) {
	var rec CaptureRecord
	if len(raw) < RecordSize {
		return rec, xerrors.Errorf("short capture record: got %d bytes, want %d", len(raw), RecordSize)
	}
	if err := binary.Read(bytes.NewReader(raw[:RecordSize]), binary.LittleEndian, &rec); err != nil {
		return rec, xerrors.Errorf("decode capture record: %w", err)
	}
	return rec, nil
}

// Text returns the argument up to the first NUL. Invalid UTF-8 is replaced
// with U+FFFD rather than rejected.
func (r *CaptureRecord) Text() string {
	return strings.ToValidUTF8(unix.ByteSliceToString(r.Argument[:]), "\uFFFD")
}

// Event is a decoded call of the traced function.
type Event struct {
	PID      uint64
	Symbol   string
	Argument string
	Time     time.Time
}

// NewEvent builds an Event from a record received at ts.
func NewEvent(rec CaptureRecord, symbol string, ts time.Time) *Event {
	return &Event{
		PID:      rec.PID,
		Symbol:   symbol,
		Argument: rec.Text(),
		Time:     ts,
	}
}

// LogLine renders the newline-terminated text line written by sinks.
func (e *Event) LogLine() string {
	return fmt.Sprintf("pid=%d %s sql=%s\n", e.PID, e.Symbol, e.Argument)
}
