package serial

import (
	"github.com/ipmi-sim/serv/internal/metrics"
	"github.com/ipmi-sim/serv/pkg/ipmi"
)

const (
	directStart     byte = 0xA0
	directStop      byte = 0xA5
	directHandshake byte = 0xA6
	directEscape    byte = 0xAA
)

const maxDirectMsgLen = 1024

// directState is the byte-stuffed framing state for Direct Mode (spec.md
// §4.2): an in-message flag, an in-escape flag, an accumulation buffer, and
// a sticky too-long flag.
type directState struct {
	inMessage bool
	inEscape  bool
	tooLong   bool
	buf       []byte
}

func newDirectCodec(host CodecHost) *Codec {
	st := &directState{}
	c := &Codec{Variant: VariantDirect}

	c.Setup = func() error {
		st.inMessage = false
		st.inEscape = false
		st.tooLong = false
		st.buf = st.buf[:0]
		return nil
	}
	c.HandleChar = func(ch byte) { directHandleChar(st, ch, host) }
	c.Send = func(frame *ipmi.Frame) error { return directSend(frame, host) }
	c.QueueIPMB = host.EnqueueIPMB
	c.QueueEvent = host.EnqueueEvent

	return c
}

// directHandleChar implements spec.md §4.2 Direct Mode inbound parsing:
// START/STOP/HANDSHAKE/ESCAPE sentinels, with all other bytes either
// buffered verbatim or unescaped first.
func directHandleChar(st *directState, ch byte, host CodecHost) {
	switch ch {
	case directStart:
		if st.inMessage {
			host.Logf("serial/direct: msg started in the middle of another")
			metrics.FramesDropped.WithLabelValues(string(VariantDirect), "restart").Inc()
		}
		st.inMessage = true
		st.inEscape = false
		st.tooLong = false
		st.buf = st.buf[:0]

	case directStop:
		switch {
		case !st.inMessage:
			host.Logf("serial/direct: empty message")
		case st.inEscape:
			host.Logf("serial/direct: message ended in escape")
		case st.tooLong:
			host.Logf("serial/direct: message too long")
			metrics.FramesDropped.WithLabelValues(string(VariantDirect), "overflow").Inc()
		default:
			directHandleMsg(st.buf, host)
		}
		st.inMessage = false
		st.inEscape = false
		if err := host.SerSend([]byte{directHandshake}); err != nil {
			host.Logf("serial/direct: handshake write failed: %v", err)
		}

	case directHandshake:
		st.inEscape = false

	case directEscape:
		if !st.tooLong {
			st.inEscape = true
		}

	default:
		if !st.inMessage {
			return
		}

		b := ch
		if st.inEscape {
			st.inEscape = false
			unescaped, ok := directUnescape(ch)
			if !ok {
				host.Logf("serial/direct: invalid escape char: 0x%02x", ch)
				st.tooLong = true
				return
			}
			b = unescaped
		}

		if st.tooLong {
			return
		}
		if len(st.buf) >= maxDirectMsgLen {
			st.tooLong = true
			metrics.FramesDropped.WithLabelValues(string(VariantDirect), "overflow").Inc()
			return
		}
		st.buf = append(st.buf, b)
	}
}

func directUnescape(ch byte) (byte, bool) {
	switch ch {
	case 0xB0:
		return directStart, true
	case 0xB5:
		return directStop, true
	case 0xB6:
		return directHandshake, true
	case 0xBA:
		return directEscape, true
	case 0x3B:
		return 0x1B, true
	default:
		return 0, false
	}
}

func directHandleMsg(raw []byte, host CodecHost) {
	frame, err := ipmi.DecodeFrame(raw)
	if err != nil {
		host.Logf("serial/direct: bad input data: %v", err)
		metrics.FramesDropped.WithLabelValues(string(VariantDirect), "parse").Inc()
		return
	}
	host.SMISend(frame)
}

// directEscapeTable mirrors directUnescape for encode: any of these five
// sentinel byte values appearing in an outbound frame must be escaped.
var directEscapeTable = map[byte]byte{
	directStart:     0xB0,
	directStop:      0xB5,
	directHandshake: 0xB6,
	directEscape:    0xBA,
	0x1B:            0x3B,
}

// directSend implements spec.md §4.2 Direct Mode outbound byte-stuffing.
func directSend(frame *ipmi.Frame, host CodecHost) error {
	raw, err := ipmi.EncodeFrame(frame)
	if err != nil {
		return err
	}

	out := make([]byte, 0, 2+2*len(raw))
	out = append(out, directStart)
	for _, b := range raw {
		if escaped, ok := directEscapeTable[b]; ok {
			out = append(out, directEscape, escaped)
		} else {
			out = append(out, b)
		}
	}
	out = append(out, directStop)

	return host.SerSend(out)
}
