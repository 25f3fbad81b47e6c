// Package serial implements the pluggable serial IPMI codecs (Terminal
// Mode, Direct Mode, Radisys ASCII) and the per-connection SerialChannel
// that binds one codec to one transport, per spec.md §4.2-§4.3.
package serial

import (
	"fmt"
	"log"

	"github.com/ipmi-sim/serv/pkg/ipmi"
)

// Variant names a codec selection, matched by upstream config (spec.md
// §4.2: "Variants are named and chosen by upstream config (string
// match).").
type Variant string

const (
	VariantTerminalMode Variant = "TerminalMode"
	VariantDirect       Variant = "Direct"
	VariantRadisysASCII Variant = "RadisysAscii"
)

// CodecHost is what a codec needs from its owning channel: writing to the
// transport, delivering a freshly decoded frame upstream, and the BMC's
// own IPMB address (needed by RadisysAscii's address filter). It is
// satisfied by *Channel.
type CodecHost interface {
	SerSend(data []byte) error
	SMISend(frame *ipmi.Frame)
	BMCAddress() ipmi.Address
	Logf(format string, args ...interface{})
	EnqueueIPMB(frame *ipmi.Frame)
	EnqueueEvent(frame *ipmi.Frame)
}

// Codec is the five-capability set every variant exports (spec.md design
// note: "the five function pointers become a capability set
// {handle_char, send, setup, queue_event?, queue_ipmb}"). QueueEvent is
// nil for codecs that cannot carry asynchronous events (RadisysAscii).
type Codec struct {
	Variant Variant

	HandleChar func(ch byte)
	Send       func(frame *ipmi.Frame) error
	Setup      func() error
	QueueEvent func(frame *ipmi.Frame)
	QueueIPMB  func(frame *ipmi.Frame)
}

// New looks up a codec variant by name and wires it to host. An unknown
// name is reported with ErrUnknownVariant.
func New(variant Variant, host CodecHost) (*Codec, error) {
	switch variant {
	case VariantTerminalMode:
		return newTerminalCodec(host), nil
	case VariantDirect:
		return newDirectCodec(host), nil
	case VariantRadisysASCII:
		return newRadisysCodec(host), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
}

// ErrUnknownVariant is returned by New for an unrecognized codec name.
var ErrUnknownVariant = fmt.Errorf("serial: unknown codec variant")

// defaultLogger is used by SerialChannel when the caller supplies none, so
// a channel is always safe to log through.
var defaultLogger = log.Default()

// queue is a small mutex-free FIFO; all access is serialized by the
// caller (SerialChannel) holding its own lock, per spec.md §3's
// "queue appends occur only while holding the channel lock" invariant.
type queue struct {
	items []*ipmi.Frame
}

func (q *queue) push(f *ipmi.Frame) (wasEmpty bool) {
	wasEmpty = len(q.items) == 0
	q.items = append(q.items, f)
	return wasEmpty
}

func (q *queue) pop() (*ipmi.Frame, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

func (q *queue) len() int { return len(q.items) }
