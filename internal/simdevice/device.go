// Package simdevice implements the "in-memory upstream dispatcher" SPEC_FULL
// component 13 names: a minimal simulated BMC that answers the four commands
// this module itself issues (GET_DEVICE_ID, GET_FRU_INVENTORY_AREA_INFO,
// READ_FRU_DATA, WRITE_FRU_DATA) against an in-memory FRU byte area, so the
// codec engine and the FRU access engine have something to talk to end to
// end without real hardware.
package simdevice

import (
	"log"
	"sync"

	"github.com/ipmi-sim/serv/pkg/ipmi"
)

// Options configures one simulated device.
type Options struct {
	DeviceID       uint8
	ManufacturerID uint32
	ProductID      uint16

	// FRUData seeds the device's FRU inventory area. A copy is kept, so
	// the caller's slice is never mutated.
	FRUData []byte
	// AccessByWords reports the word-access quirk in GET_FRU_INVENTORY_AREA_INFO
	// byte 3 (spec.md §4.4: "the low bit of byte 3... selects byte vs.
	// word addressing for every subsequent read/write on this FRU").
	AccessByWords bool

	// MaxReadChunk caps how many bytes (pre-shift) one READ_FRU_DATA
	// reply ever returns; a request asking for more gets
	// CompletionCannotReturnRequestedLength instead, so callers that
	// exercise FRUReader's adaptive shrink can demonstrate it against a
	// live device. Zero means no cap.
	MaxReadChunk int
	// BusyWrites is how many leading WRITE_FRU_DATA requests answer
	// CompletionFRUDeviceBusy before the device starts accepting writes,
	// so callers that exercise FRUWriter's busy-retry can demonstrate it.
	BusyWrites int
}

// Sender is the minimal surface a Device replies through: whatever decoded
// the request frame in the first place (a *serial.Channel, in practice).
type Sender interface {
	Send(frame *ipmi.Frame) error
}

// Device answers IPMI requests addressed to it and satisfies
// serial.Dispatcher, so it can be wired as a SerialChannel's upstream.
type Device struct {
	opts Options

	mu           sync.Mutex
	fru          []byte
	busyRemaining int

	logger  *log.Logger
	channel Sender
}

// New constructs a Device. SetChannel must be called before any request
// arrives, since the channel doing the decoding is typically constructed
// after its dispatcher (a SerialChannel needs a Dispatcher up front).
func New(opts Options, logger *log.Logger) *Device {
	if logger == nil {
		logger = log.Default()
	}
	data := make([]byte, len(opts.FRUData))
	copy(data, opts.FRUData)
	return &Device{
		opts:          opts,
		fru:           data,
		busyRemaining: opts.BusyWrites,
		logger:        logger,
	}
}

// SetChannel installs the sender a Device replies through.
func (d *Device) SetChannel(ch Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channel = ch
}

// SMISend implements serial.Dispatcher: it is called with a freshly decoded
// inbound request frame and answers it in place, per spec.md §6
// "smi_send(msg)".
func (d *Device) SMISend(req *ipmi.Frame) {
	if !req.Function.IsRequest() {
		d.logger.Printf("simdevice: ignoring non-request NetFn %v", req.Function)
		return
	}

	var payload []byte
	switch req.Command {
	case ipmi.CommandGetDeviceID:
		payload = d.handleGetDeviceID()
	case ipmi.CommandGetFRUInventoryAreaInfo:
		payload = d.handleInventoryAreaInfo()
	case ipmi.CommandReadFRUData:
		payload = d.handleReadFRUData(req.Payload)
	case ipmi.CommandWriteFRUData:
		payload = d.handleWriteFRUData(req.Payload)
	default:
		payload = []byte{uint8(ipmi.CompletionInvalidCommand)}
	}

	resp := &ipmi.Frame{
		RequesterAddress: req.RequesterAddress,
		RequesterLUN:     req.RequesterLUN,
		Function:         req.Function.Response(),
		ResponderAddress: req.ResponderAddress,
		ResponderLUN:     req.ResponderLUN,
		Sequence:         req.Sequence,
		Command:          req.Command,
		Payload:          payload,
	}

	d.mu.Lock()
	sender := d.channel
	d.mu.Unlock()
	if sender == nil {
		d.logger.Printf("simdevice: no channel installed, dropping response to %v", req.Command)
		return
	}
	if err := sender.Send(resp); err != nil {
		d.logger.Printf("simdevice: send response: %v", err)
	}
}

func (d *Device) handleGetDeviceID() []byte {
	resp := make([]byte, 12)
	resp[0] = uint8(ipmi.CompletionNormal)
	resp[1] = d.opts.DeviceID
	resp[7] = byte(d.opts.ManufacturerID)
	resp[8] = byte(d.opts.ManufacturerID >> 8)
	resp[9] = byte(d.opts.ManufacturerID >> 16)
	resp[10] = byte(d.opts.ProductID)
	resp[11] = byte(d.opts.ProductID >> 8)
	return resp
}

func (d *Device) handleInventoryAreaInfo() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp := make([]byte, 4)
	resp[0] = uint8(ipmi.CompletionNormal)
	resp[1] = byte(len(d.fru))
	resp[2] = byte(len(d.fru) >> 8)
	if d.opts.AccessByWords {
		resp[3] = 1
	}
	return resp
}

func (d *Device) handleReadFRUData(req []byte) []byte {
	if len(req) < 4 {
		return []byte{uint8(ipmi.CompletionRequestDataLengthInvalid)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	shift := 0
	if d.opts.AccessByWords {
		shift = 1
	}
	offset := (int(req[1]) | int(req[2])<<8) << shift
	toRead := int(req[3]) << shift

	if d.opts.MaxReadChunk > 0 && int(req[3]) > d.opts.MaxReadChunk {
		return []byte{uint8(ipmi.CompletionCannotReturnRequestedLength)}
	}
	if offset < 0 || offset > len(d.fru) {
		return []byte{uint8(ipmi.CompletionParameterOutOfRange)}
	}
	if offset+toRead > len(d.fru) {
		toRead = len(d.fru) - offset
	}

	resp := make([]byte, 2+toRead)
	resp[0] = uint8(ipmi.CompletionNormal)
	resp[1] = byte(toRead >> shift)
	copy(resp[2:], d.fru[offset:offset+toRead])
	return resp
}

func (d *Device) handleWriteFRUData(req []byte) []byte {
	if len(req) < 3 {
		return []byte{uint8(ipmi.CompletionRequestDataLengthInvalid)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.busyRemaining > 0 {
		d.busyRemaining--
		return []byte{uint8(ipmi.CompletionFRUDeviceBusy)}
	}

	shift := 0
	if d.opts.AccessByWords {
		shift = 1
	}
	offset := (int(req[1]) | int(req[2])<<8) << shift
	data := req[3:]

	if offset < 0 || offset+len(data) > len(d.fru) {
		return []byte{uint8(ipmi.CompletionParameterOutOfRange)}
	}
	copy(d.fru[offset:], data)

	resp := make([]byte, 2)
	resp[0] = uint8(ipmi.CompletionNormal)
	resp[1] = byte(len(data) >> shift)
	return resp
}

// Snapshot returns a copy of the device's current FRU storage, for tests and
// the CLI's post-write verification output.
func (d *Device) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(d.fru))
	copy(out, d.fru)
	return out
}
