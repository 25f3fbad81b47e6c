// Package oem implements the device-ID-driven OEM handler selection
// described in spec.md §4.8: Probe sends GET_DEVICE_ID to a freshly
// initialized channel and inspects the reply, then installs whichever
// registered OEM handler claims the (manufacturer ID, product ID) pair in
// the reply.
package oem

import (
	"context"

	"github.com/ipmi-sim/serv/internal/metrics"
	"github.com/ipmi-sim/serv/pkg/ipmi"
)

// ManufacturerID is the 24-bit IANA enterprise number an OEM handler is
// keyed on, alongside a 16-bit product ID.
type ManufacturerID uint32

// Handler is one registered OEM response-hook installer, matched by
// (ManufacturerID, ProductID) against a channel's GET_DEVICE_ID probe.
type Handler struct {
	ManufacturerID ManufacturerID
	ProductID      uint16
	Install        func(ctx context.Context, ch *Channel)
}

// Channel is the outcome of one Probe: the manufacturer and product IDs the
// device reported, the sender the probe went through, and the Install
// callback of the handler that matched, if any.
type Channel struct {
	ManufacturerID ManufacturerID
	ProductID      uint16

	sender  probeSender
	handler func(ctx context.Context, ch *Channel)
}

type probeSender interface {
	SendCommandAddr(ctx context.Context, addr ipmi.Address, lun ipmi.LUN, cmd ipmi.CommandNumber, payload []byte) ([]byte, error)
}

// Registry is the append-only, ordered list of OEM handlers (spec.md §5:
// "append-only after init and read without a lock in steady state;
// registration must happen before channels are initialized").
type Registry struct {
	handlers []Handler
}

// NewRegistry constructs an empty OEM handler registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a handler. Must be called before any channel init probe
// runs; there is deliberately no mutex here, matching the teacher's
// steady-state lock-free read (spec.md §5).
func (r *Registry) Register(h Handler) {
	r.handlers = append(r.handlers, h)
}

func (r *Registry) lookup(manufacturer ManufacturerID, product uint16) (Handler, bool) {
	for _, h := range r.handlers {
		if h.ManufacturerID == manufacturer && h.ProductID == product {
			return h, true
		}
	}
	return Handler{}, false
}

// Probe implements spec.md §4.8's channel-init GET_DEVICE_ID discovery: it
// sends the probe, extracts manufacturer/product IDs from a matching
// response, and installs the first registered handler that claims them. A
// non-matching or errored response is not itself an error; OEM dispatch is
// best-effort discovery, not a required capability.
func Probe(ctx context.Context, sender probeSender, addr ipmi.Address, lun ipmi.LUN, registry *Registry) (*Channel, error) {
	resp, err := sender.SendCommandAddr(ctx, addr, lun, ipmi.CommandGetDeviceID, []byte{1})
	if err != nil {
		return nil, err
	}

	ch := &Channel{sender: sender}
	if !isDeviceIDResponse(resp) {
		return ch, nil
	}

	ch.ManufacturerID = ManufacturerID(uint32(resp[7]) | uint32(resp[8])<<8 | uint32(resp[9])<<16)
	ch.ProductID = uint16(resp[10]) | uint16(resp[11])<<8

	if registry == nil {
		return ch, nil
	}
	if h, ok := registry.lookup(ch.ManufacturerID, ch.ProductID); ok {
		metrics.OEMProbesMatched.Inc()
		ch.handler = h.Install
		h.Install(ctx, ch)
	}
	return ch, nil
}

// isDeviceIDResponse applies the look_for_get_devid payload checks from
// spec.md §4.8: payload is at least 12 bytes and completion code is 0. It
// does not inspect the NetFn or command: resp is the payload the sender
// returned for Probe's own GET_DEVICE_ID request.
func isDeviceIDResponse(resp []byte) bool {
	return len(resp) >= 12 && resp[0] == uint8(ipmi.CompletionNormal)
}
