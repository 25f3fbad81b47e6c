// Package fru implements the FRU (Field Replaceable Unit) access engine:
// adaptive-size reads, word-aligned coalesced writes, a reference-counted
// registry, and a first-match-wins decoder registry, per spec.md §3-4 and
// §4.4-4.7.
package fru

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ipmi-sim/serv/pkg/ipmi"
)

const (
	MaxFetchSize  = 32
	MinFetchSize  = 16
	FetchSizeStep = 8
)

// CommandSender is the one upstream primitive the FRU engine needs:
// spec.md §6's `send_command_addr(addr, msg, handler, userdata)`, expressed
// as a blocking call returning the raw response payload (completion code
// first, per IPMI convention) instead of a callback registration. A single
// FRU handle never has more than one call outstanding at a time (the
// `in_use` invariant), so a synchronous call per step is equivalent to the
// continuation-passing chain in the original and reads more plainly in Go.
type CommandSender interface {
	SendCommandAddr(ctx context.Context, addr ipmi.Address, lun ipmi.LUN, cmd ipmi.CommandNumber, payload []byte) ([]byte, error)
}

// Identity is the tuple that names a FRU on the bus (spec.md §3 FRU Handle
// fields).
type Identity struct {
	IsLogical     bool
	DeviceAddress ipmi.Address
	DeviceID      uint8
	LUN           ipmi.LUN
	PrivateBus    uint8
	Channel       uint8
}

// Fingerprint is a fast, non-cryptographic hash of the identity tuple used
// as the registry's lookup map key.
func (id Identity) Fingerprint() uint64 {
	var b [6]byte
	if id.IsLogical {
		b[0] = 1
	}
	b[1] = uint8(id.DeviceAddress)
	b[2] = id.DeviceID
	b[3] = uint8(id.LUN)
	b[4] = id.PrivateBus
	b[5] = id.Channel
	return xxhash.Sum64(b[:])
}

// UpdateRecord is a dirty (offset, length) range appended by a decoded
// record's write hook (spec.md §4.5).
type UpdateRecord struct {
	Offset int
	Length int
}

// Record is what a Decoder attaches to a Handle once it accepts the raw
// bytes (spec.md §4.7). Write re-encodes the record's current in-memory
// state into h.Data and appends the UpdateRecords that changed; WriteComplete
// is the writer's success callback so the record can clear its own dirty
// state.
type Record interface {
	Write(h *Handle) error
	WriteComplete(h *Handle)
}

// Handle is one FRU's persistent state (spec.md §3 FRU Handle / §9
// reference counting design note). All mutable fields are guarded by mu.
type Handle struct {
	Identity

	sender CommandSender

	mu            sync.Mutex
	fetchSize     int
	accessByWords bool
	data          []byte
	dataLen       int
	currPos       int
	updateRecs    []UpdateRecord
	lastCmd       []byte
	retryCount    int

	inUse      bool
	refcount   int
	deleted    bool
	inRegistry bool

	record Record
	logger func(format string, args ...interface{})

	fetchedHandler   func(h *Handle, err error)
	destroyedHandler func(h *Handle)
}

// NewHandle allocates a handle set up for one read cycle, per spec.md §3
// Lifecycle: "refcount=2: caller + outstanding I/O." The caller owns the
// first reference; the read cycle owns the second and drops it on
// completion. NewHandle does not start the read: the caller runs it with
// Fetch.
func NewHandle(sender CommandSender, id Identity, fetchedHandler func(h *Handle, err error)) *Handle {
	return &Handle{
		Identity:       id,
		sender:         sender,
		fetchSize:      MaxFetchSize,
		refcount:       2,
		inUse:          true,
		fetchedHandler: fetchedHandler,
	}
}

// SetDestroyedHandler sets the callback invoked once the handle's final
// teardown runs (refcount reaches zero).
func (h *Handle) SetDestroyedHandler(cb func(h *Handle)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyedHandler = cb
}

// Record returns the decoder-attached record, if any decode has completed.
func (h *Handle) Record() Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record
}

// Data returns a copy of the raw FRU bytes currently held (nil once a
// fetch's raw buffer has been freed after a successful decode, or before
// any fetch has completed).
func (h *Handle) Data() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.data == nil {
		return nil
	}
	out := make([]byte, len(h.data))
	copy(out, h.data)
	return out
}

// AccessByWords reports the device's word-access quirk (spec.md §9: "Keep
// access_by_words as a shift amount... never leak it into record-layer
// code" -- Reader/Writer are the only code that apply the shift).
func (h *Handle) AccessByWords() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accessByWords
}

// ref increments the refcount; must be called with mu held.
func (h *Handle) ref() {
	h.refcount++
}

// unref drops the refcount, running final teardown at zero. Must be called
// with mu held; it unlocks before returning in all cases.
func (h *Handle) unref() {
	h.refcount--
	if h.refcount > 0 {
		h.mu.Unlock()
		return
	}
	cb := h.destroyedHandler
	h.mu.Unlock()
	if cb != nil {
		cb(h)
	}
}

// Ref takes an external strong reference (e.g. the registry, or a second
// caller). Pair with Deref.
func (h *Handle) Ref() {
	h.mu.Lock()
	h.ref()
	h.mu.Unlock()
}

// Deref drops a reference taken with Ref.
func (h *Handle) Deref() {
	h.mu.Lock()
	h.unref()
}

// Destroy marks the handle deleted and drops the caller's reference
// (spec.md §3 Lifecycle: "destroy marks deleted, drops the registry
// reference, and drops the caller reference; the last referent runs the
// final teardown."). Removing the registry's own reference is the
// registry's job (see registry.go Remove), not this method's.
func (h *Handle) Destroy() {
	h.mu.Lock()
	h.deleted = true
	h.unref()
}

// Deleted reports whether Destroy has been called. Response handlers check
// this at entry and complete with Cancelled instead of proceeding.
func (h *Handle) Deleted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deleted
}

// InUse reports whether a read or write is currently outstanding.
func (h *Handle) InUse() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse
}

func putUint16LE(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
