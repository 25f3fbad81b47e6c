// Package ipmi implements the wire-level IPMB message used by the serial
// codecs and the FRU access engine: checksums, the 7+ byte header, and the
// small set of completion codes and commands this module itself issues.
package ipmi

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
)

// Address is an IPMB slave address or software ID. The least significant
// bit of the raw byte distinguishes the two; this module treats it as an
// opaque 8-bit value, as the spec does.
type Address uint8

// LUN is a 2-bit logical unit number within a device.
type LUN uint8

// NetworkFunction is the 6-bit IPMI network function code carried in every
// IPMB message.
type NetworkFunction uint8

const (
	NetworkFunctionChassisReq NetworkFunction = 0x00
	NetworkFunctionChassisRsp NetworkFunction = 0x01
	NetworkFunctionAppReq     NetworkFunction = 0x06
	NetworkFunctionAppRsp     NetworkFunction = 0x07
	NetworkFunctionStorageReq NetworkFunction = 0x0A
	NetworkFunctionStorageRsp NetworkFunction = 0x0B
)

// IsRequest reports whether the function code names a request NetFn (always
// even per the IPMI spec; the response NetFn is the request NetFn | 1).
func (f NetworkFunction) IsRequest() bool {
	return f&1 == 0
}

// Response returns the response NetFn for a request NetFn, and vice-versa.
func (f NetworkFunction) Response() NetworkFunction {
	return f | 1
}

func (f NetworkFunction) String() string {
	switch f {
	case NetworkFunctionChassisReq:
		return "Chassis-Req"
	case NetworkFunctionChassisRsp:
		return "Chassis-Rsp"
	case NetworkFunctionAppReq:
		return "App-Req"
	case NetworkFunctionAppRsp:
		return "App-Rsp"
	case NetworkFunctionStorageReq:
		return "Storage-Req"
	case NetworkFunctionStorageRsp:
		return "Storage-Rsp"
	default:
		return fmt.Sprintf("NetFn(0x%02x)", uint8(f))
	}
}

// CommandNumber is the one-byte IPMI command field.
type CommandNumber uint8

// Command codes this module issues or decodes itself (spec.md §6).
const (
	CommandGetDeviceID             CommandNumber = 0x01
	CommandGetFRUInventoryAreaInfo CommandNumber = 0x10
	CommandReadFRUData             CommandNumber = 0x11
	CommandWriteFRUData            CommandNumber = 0x12
)

// CompletionCode is the first byte of an IPMI response payload. Zero means
// success; the generic codes below are from 13.8 of the spec, reproduced
// here because the FRU engine has to recognize several of them by value to
// drive its retry logic.
type CompletionCode uint8

const (
	CompletionNormal                      CompletionCode = 0x00
	CompletionNodeBusy                    CompletionCode = 0xc0
	CompletionInvalidCommand              CompletionCode = 0xc1
	CompletionInvalidCommandForLUN        CompletionCode = 0xc2
	CompletionTimeout                     CompletionCode = 0xc3
	CompletionOutOfSpace                  CompletionCode = 0xc4
	CompletionReservationCancelled        CompletionCode = 0xc5
	CompletionRequestDataTruncated        CompletionCode = 0xc6
	CompletionRequestDataLengthInvalid    CompletionCode = 0xc7
	CompletionRequestDataFieldExceeded    CompletionCode = 0xc8
	CompletionParameterOutOfRange         CompletionCode = 0xc9
	CompletionCannotReturnRequestedLength CompletionCode = 0xca
	CompletionRequestDataNotPresent       CompletionCode = 0xcb
	CompletionInvalidDataField            CompletionCode = 0xcc
	CompletionUnspecifiedError            CompletionCode = 0xff

	// CompletionFRUDeviceBusy is a command-specific completion code for
	// Write FRU Data: the FRU device (not the BMC) is busy. Distinct from
	// the generic CompletionNodeBusy above.
	CompletionFRUDeviceBusy CompletionCode = 0x81
)

func (c CompletionCode) String() string {
	switch c {
	case CompletionNormal:
		return "Command Completed Normally"
	case CompletionNodeBusy:
		return "Node Busy"
	case CompletionInvalidCommand:
		return "Invalid Command"
	case CompletionInvalidCommandForLUN:
		return "Command invalid for given LUN"
	case CompletionTimeout:
		return "Timeout"
	case CompletionOutOfSpace:
		return "Out of space"
	case CompletionReservationCancelled:
		return "Reservation cancelled or invalid"
	case CompletionRequestDataTruncated:
		return "Request data truncated"
	case CompletionRequestDataLengthInvalid:
		return "Request data length invalid"
	case CompletionRequestDataFieldExceeded:
		return "Request data field length exceeded"
	case CompletionParameterOutOfRange:
		return "Parameter out of range"
	case CompletionCannotReturnRequestedLength:
		return "Cannot return number of requested data bytes"
	case CompletionRequestDataNotPresent:
		return "Requested data not present"
	case CompletionInvalidDataField:
		return "Invalid data field in request"
	case CompletionFRUDeviceBusy:
		return "FRU device busy"
	case CompletionUnspecifiedError:
		return "Unspecified error"
	default:
		return fmt.Sprintf("CompletionCode(0x%02x)", uint8(c))
	}
}

// IsShrinkTrigger reports whether the code is one of the size-related
// completion codes that should make FRUReader shrink its fetch size and
// retry, per spec.md §4.4 step 2.
func (c CompletionCode) IsShrinkTrigger() bool {
	switch c {
	case CompletionCannotReturnRequestedLength,
		CompletionRequestDataFieldExceeded,
		CompletionRequestDataLengthInvalid,
		CompletionTimeout,
		CompletionUnspecifiedError:
		return true
	default:
		return false
	}
}

// CompletionError wraps a non-normal completion code as an error, following
// the teacher's ValidateResponse convention of reporting the raw code.
type CompletionError struct {
	Code CompletionCode
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("ipmi: non-normal completion code: %v", e.Code)
}

// Sentinel errors for the codec and frame layer (spec.md §7).
var (
	ErrShortFrame    = errors.New("ipmi: frame shorter than 7 bytes")
	ErrBadChecksum   = errors.New("ipmi: checksum mismatch")
	ErrBadHex        = errors.New("ipmi: invalid hex digit")
	ErrOverflow      = errors.New("ipmi: frame buffer overflow")
	ErrInvalidEscape = errors.New("ipmi: invalid escape sequence")
)

// checksum computes the two's-complement additive checksum used throughout
// IPMB: the sum of data and its checksum is always zero modulo 256.
func checksum(data []byte) uint8 {
	var c uint8
	for _, b := range data {
		c += b
	}
	return -c
}

// Checksum is the exported form, used directly by codecs that need to
// validate or produce a checksum without going through a Frame.
func Checksum(data []byte) uint8 {
	return checksum(data)
}

// LayerTypeFrame identifies Frame to gopacket.
var LayerTypeFrame = gopacket.RegisterLayerType(12001,
	gopacket.LayerTypeMetadata{Name: "IPMBFrame", Decoder: gopacket.DecodeFunc(decodeFrame)})

// Frame is the canonical IPMB request/response header described in
// spec.md §3/§4.1: addresses, NetFn, LUN, sequence, command, payload, and
// the two checksums that bracket it. It is a gopacket decoding/serializable
// layer, the same shape the teacher uses for its LAN session Message layer,
// trimmed to the fields IPMB itself carries (no completion code or
// group/OEM body extension inside the header -- those are payload
// concerns for the commands riding on top of this frame).
type Frame struct {
	gopacket.BaseLayer

	// RequesterAddress/RequesterLUN identify whoever issued the request
	// this frame responds to (or, for a request frame, the issuer).
	RequesterAddress Address
	RequesterLUN     LUN

	// Function is the NetFn of this frame (request or response).
	Function NetworkFunction

	// ResponderAddress/ResponderLUN identify the addressed device.
	ResponderAddress Address
	ResponderLUN     LUN

	// Sequence is the 6-bit sequence number used to match responses to
	// requests.
	Sequence uint8

	// Command is the command byte.
	Command CommandNumber

	// Payload is the command-specific data, completion code included
	// when this frame carries a response.
	Payload []byte
}

func (f *Frame) LayerType() gopacket.LayerType { return LayerTypeFrame }

func (f *Frame) CanDecode() gopacket.LayerClass { return LayerTypeFrame }

func (f *Frame) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func (f *Frame) LayerPayload() []byte { return f.Payload }

// DecodeFromBytes parses the 7+ byte IPMB header in place, per spec.md
// §4.1. It fails on a too-short frame or either bad checksum before
// touching any field.
func (f *Frame) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < 7 {
		df.SetTruncated()
		return ErrShortFrame
	}

	if want := checksum(data[0:2]); data[2] != want {
		return fmt.Errorf("%w: byte 2, got 0x%02x want 0x%02x", ErrBadChecksum, data[2], want)
	}
	last := len(data) - 1
	if want := checksum(data[3:last]); data[last] != want {
		return fmt.Errorf("%w: byte %d, got 0x%02x want 0x%02x", ErrBadChecksum, last, data[last], want)
	}

	f.RequesterAddress = Address(data[0])
	f.Function = NetworkFunction(data[1] >> 2)
	f.RequesterLUN = LUN(data[1] & 0x3)
	f.ResponderAddress = Address(data[3])
	f.Sequence = data[4] >> 2
	f.ResponderLUN = LUN(data[4] & 0x3)
	f.Command = CommandNumber(data[5])
	f.Payload = data[6:last]

	f.BaseLayer.Contents = data
	f.BaseLayer.Payload = f.Payload
	return nil
}

// SerializeTo writes the frame exactly as spec.md §4.1 "Encode response"
// describes: requester fields first, then responder fields, then the
// payload, each half bracketed by its own checksum.
func (f *Frame) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	buf, err := b.PrependBytes(6 + len(f.Payload) + 1)
	if err != nil {
		return err
	}

	buf[0] = uint8(f.RequesterAddress)
	buf[1] = uint8(f.Function)<<2 | uint8(f.RequesterLUN)
	buf[2] = checksum(buf[0:2])
	buf[3] = uint8(f.ResponderAddress)
	buf[4] = f.Sequence<<2 | uint8(f.ResponderLUN)
	buf[5] = uint8(f.Command)
	copy(buf[6:], f.Payload)
	buf[6+len(f.Payload)] = checksum(buf[3 : 6+len(f.Payload)])
	return nil
}

func decodeFrame(data []byte, p gopacket.PacketBuilder) error {
	f := &Frame{}
	if err := f.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(f)
	return p.NextDecoder(gopacket.LayerTypePayload)
}

// EncodeFrame is a convenience wrapper around SerializeTo for callers that
// don't need the full gopacket layer machinery (the codecs, mainly).
func EncodeFrame(f *Frame) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := f.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFrame is the convenience counterpart to EncodeFrame.
func DecodeFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	if err := f.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	return f, nil
}
