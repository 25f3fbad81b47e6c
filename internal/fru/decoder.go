package fru

import "sync"

// Decoder turns the raw bytes a FRUReader fetched into a typed Record. It
// returns (nil, err) to decline (try the next decoder in line) or
// (record, nil) to claim the handle.
type Decoder interface {
	Decode(h *Handle) (Record, error)
}

// DecoderRegistry is the ordered, first-match-wins list from spec.md §4.7:
// "register, deregister, and iterate_until_success. The first decoder
// whose decode(handle) returns success claims the handle." Registration
// order is therefore semantically significant.
type DecoderRegistry struct {
	mu       sync.Mutex
	decoders []Decoder
}

// NewDecoderRegistry constructs an empty, ordered decoder registry.
func NewDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{}
}

// Register appends a decoder to the end of the try order.
func (d *DecoderRegistry) Register(dec Decoder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decoders = append(d.decoders, dec)
}

// Deregister removes the first occurrence of dec, if present.
func (d *DecoderRegistry) Deregister(dec Decoder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.decoders {
		if e == dec {
			d.decoders = append(d.decoders[:i], d.decoders[i+1:]...)
			return
		}
	}
}

// IterateUntilSuccess tries each registered decoder in order against h,
// attaching the first one's Record to h and returning nil. If every
// decoder declines, the last non-nil error is returned (spec.md §4.4 step
// 3: "If all fail, surface the last non-success.").
func (d *DecoderRegistry) IterateUntilSuccess(h *Handle) error {
	d.mu.Lock()
	snapshot := make([]Decoder, len(d.decoders))
	copy(snapshot, d.decoders)
	d.mu.Unlock()

	var lastErr error
	for _, dec := range snapshot {
		record, err := dec.Decode(h)
		if err == nil {
			h.mu.Lock()
			h.record = record
			h.mu.Unlock()
			return nil
		}
		lastErr = err
	}
	return lastErr
}
