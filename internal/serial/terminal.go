package serial

import (
	"github.com/ipmi-sim/serv/internal/metrics"
	"github.com/ipmi-sim/serv/pkg/ipmi"
)

// maxTerminalChars bounds the TerminalMode accumulation buffer (spec.md
// §8: "After any sequence of byte injections, recv_chars_len <=
// buffer_capacity").
const maxTerminalChars = 1024

var hexDigits = []byte("0123456789ABCDEF")

// terminalState is spec.md §3's "accumulation buffer, a length, and an
// overflow sticky flag" for TerminalMode.
type terminalState struct {
	active   bool // inside a '[' ... ']' frame
	buf      []byte
	overflow bool
}

func newTerminalCodec(host CodecHost) *Codec {
	st := &terminalState{}
	c := &Codec{Variant: VariantTerminalMode}

	c.Setup = func() error {
		st.active = false
		st.buf = st.buf[:0]
		st.overflow = false
		return nil
	}
	c.HandleChar = func(ch byte) { terminalHandleChar(st, ch, host) }
	c.Send = func(frame *ipmi.Frame) error { return terminalSend(frame, host) }
	c.QueueIPMB = host.EnqueueIPMB
	c.QueueEvent = host.EnqueueEvent

	return c
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\v' || ch == '\f'
}

// terminalHandleChar implements spec.md §4.2 TerminalMode inbound parsing.
func terminalHandleChar(st *terminalState, ch byte, host CodecHost) {
	if ch == '[' {
		if st.active {
			host.Logf("serial/terminal: msg started in the middle of another")
			metrics.FramesDropped.WithLabelValues(string(VariantTerminalMode), "restart").Inc()
		}
		st.active = true
		st.buf = st.buf[:0]
		st.buf = append(st.buf, ' ')
		st.overflow = false
		return
	}

	if !st.active {
		// Outside [ ]: ignore.
		return
	}

	if ch == ']' {
		if st.overflow {
			host.Logf("serial/terminal: data overrun")
			metrics.FramesDropped.WithLabelValues(string(VariantTerminalMode), "overflow").Inc()
			st.active = false
			st.overflow = false
			st.buf = st.buf[:0]
			return
		}
		frame, err := terminalUnformat(st.buf)
		st.active = false
		st.overflow = false
		st.buf = st.buf[:0]
		if err != nil {
			host.Logf("serial/terminal: bad input data: %v", err)
			metrics.FramesDropped.WithLabelValues(string(VariantTerminalMode), "parse").Inc()
			return
		}
		host.SMISend(frame)
		return
	}

	if st.overflow {
		return
	}

	if len(st.buf) >= maxTerminalChars {
		st.overflow = true
		metrics.FramesDropped.WithLabelValues(string(VariantTerminalMode), "overflow").Inc()
		return
	}

	if n := len(st.buf); n > 0 && isSpace(st.buf[n-1]) && isSpace(ch) {
		// Collapse runs of whitespace (spec.md §4.2, §8).
		return
	}
	st.buf = append(st.buf, ch)
}

// terminalUnformat parses the space-delimited hex-pair body accumulated
// between '[' and ']' into an ipmi.Frame carrying only NetFn/LUN/seq/cmd/
// payload -- TerminalMode never carries IPMB addresses (spec.md §4.2).
//
// The decoded length is deliberately computed as len(decoded)-3, not the
// `i =- 3` typo in the original C source (spec.md §9 Open Question).
func terminalUnformat(r []byte) (*ipmi.Frame, error) {
	decoded := make([]byte, 0, len(r)/2)
	p := 0
	n := len(r)

	skipSpace := func() {
		if p < n && isSpace(r[p]) {
			p++
		}
	}

	skipSpace()
	for p < n {
		if p+1 >= n {
			return nil, ipmi.ErrShortFrame
		}
		hi, ok := fromHex(r[p])
		if !ok {
			return nil, ipmi.ErrBadHex
		}
		p++
		lo, ok := fromHex(r[p])
		if !ok {
			return nil, ipmi.ErrBadHex
		}
		p++
		decoded = append(decoded, hi<<4|lo)
		skipSpace()
	}

	if len(decoded) < 3 {
		return nil, ipmi.ErrShortFrame
	}

	frame := &ipmi.Frame{
		Function:     ipmi.NetworkFunction(decoded[0] >> 2),
		RequesterLUN: ipmi.LUN(decoded[0] & 0x3),
		Sequence:     decoded[1] >> 2,
		Command:      ipmi.CommandNumber(decoded[2]),
		Payload:      decoded[3:],
	}
	return frame, nil
}

// terminalSend implements spec.md §4.2 TerminalMode outbound encoding.
func terminalSend(frame *ipmi.Frame, host CodecHost) error {
	out := make([]byte, 0, 4+3*(3+len(frame.Payload)))
	out = append(out, '[')

	appendHex := func(b byte) {
		out = append(out, hexDigits[b>>4], hexDigits[b&0xf])
	}

	appendHex(uint8(frame.Function)<<2 | uint8(frame.RequesterLUN))
	appendHex(frame.Sequence << 2)
	appendHex(uint8(frame.Command))

	for i, b := range frame.Payload {
		if i > 0 {
			out = append(out, ' ')
		}
		appendHex(b)
	}

	out = append(out, ']', '\n')
	return host.SerSend(out)
}

func fromHex(ch byte) (byte, bool) {
	switch {
	case ch >= '0' && ch <= '9':
		return ch - '0', true
	case ch >= 'a' && ch <= 'f':
		return ch - 'a' + 10, true
	case ch >= 'A' && ch <= 'F':
		return ch - 'A' + 10, true
	default:
		return 0, false
	}
}
