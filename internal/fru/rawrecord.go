package fru

import (
	"errors"
	"sync"
)

// RawRecord is the record produced by RawDecoder, the decoder of last
// resort (spec.md §4.7), which claims any handle that has finished a
// successful read; it treats the whole inventory area as an opaque,
// directly addressable blob. Concrete field-aware
// decoders (chassis info area, board info area, and so on) are expected to
// register ahead of it and decline handles they don't recognize.
type RawRecord struct {
	mu      sync.Mutex
	data    []byte
	updates []UpdateRecord
}

// NewRawRecord copies raw into a new record ready for SetRange/Write.
func NewRawRecord(raw []byte) *RawRecord {
	data := make([]byte, len(raw))
	copy(data, raw)
	return &RawRecord{data: data}
}

// Bytes returns a copy of the record's current in-memory contents.
func (r *RawRecord) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

// SetRange overwrites data[offset:offset+len(b)] and queues the range for
// the next Write session.
func (r *RawRecord) SetRange(offset int, b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(r.data[offset:offset+len(b)], b)
	r.updates = append(r.updates, UpdateRecord{Offset: offset, Length: len(b)})
}

// Write implements Record: it copies the record's current bytes into the
// handle's write buffer and replays the queued dirty ranges through
// MarkDirty, which applies the word-access rounding.
func (r *RawRecord) Write(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.data) != len(h.data) {
		return errors.New("fru: raw record length no longer matches the handle's inventory area")
	}
	copy(h.data, r.data)
	for _, u := range r.updates {
		h.MarkDirty(u.Offset, u.Length)
	}
	return nil
}

// WriteComplete clears the queued dirty ranges once the writer reports
// success.
func (r *RawRecord) WriteComplete(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = nil
}

// RawDecoder always accepts a handle that has completed a read, producing a
// RawRecord. Registered after any field-aware decoders, it guarantees every
// successfully read FRU ends up with some record attached.
type RawDecoder struct{}

// Decode implements Decoder.
func (RawDecoder) Decode(h *Handle) (Record, error) {
	data := h.Data()
	if data == nil {
		return nil, errors.New("fru: no data to decode")
	}
	return NewRawRecord(data), nil
}
