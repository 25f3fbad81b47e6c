// Package loopback provides the in-process pipe transport and client-side
// command sender the CLI's self-test mode uses (SPEC_FULL.md §6: "`-` for an
// in-process pipe loopback"). It lets the FRU access engine and OEM dispatch
// exercise a full request/response round trip through a real codec and a
// real simdevice.Device without a tty.
package loopback

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/ipmi-sim/serv/pkg/ipmi"
)

// PipeTransport implements serial.Transport over one direction of an
// io.Pipe; pairing two of them (one per direction) connects a client
// SerialChannel to a device SerialChannel entirely in memory.
type PipeTransport struct {
	w io.Writer
}

// NewPipeTransport wraps w (the peer's io.PipeWriter) as a Transport.
func NewPipeTransport(w io.Writer) *PipeTransport {
	return &PipeTransport{w: w}
}

func (t *PipeTransport) Send(data []byte) error {
	_, err := t.w.Write(data)
	return err
}

// FeedLoop reads from r one chunk at a time and feeds every byte to
// handleChar, until r is closed or ctx is cancelled -- the pipe-backed
// analogue of transport.SerialPort.ReadLoop.
func FeedLoop(ctx context.Context, r io.Reader, handleChar func(byte)) error {
	buf := make([]byte, 256)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if c, ok := r.(io.Closer); ok {
				c.Close()
			}
		case <-done:
		}
	}()

	for {
		n, err := r.Read(buf)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("loopback: read: %w", err)
		}
		for _, b := range buf[:n] {
			handleChar(b)
		}
	}
}

// Sender is the one capability Client needs from its bound channel: encode
// and transmit a request frame.
type Sender interface {
	Send(frame *ipmi.Frame) error
}

// Client is a minimal CommandSender/Dispatcher pair that turns a
// SerialChannel into something the FRU access engine and OEM dispatch can
// issue requests through, matching responses back to the call that is
// waiting for them by sequence number (spec.md §3: "Sequence... used to
// match responses to requests").
type Client struct {
	mu      sync.Mutex
	channel Sender
	seq     uint8
	pending map[uint8]chan []byte
	logger  *log.Logger

	// Address is the software ID this client presents as the requester
	// (spec.md §3 IPMB Message "RequesterAddress").
	Address ipmi.Address
}

// NewClient constructs a Client presenting as addr.
func NewClient(addr ipmi.Address, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		Address: addr,
		pending: make(map[uint8]chan []byte),
		logger:  logger,
	}
}

// SetChannel installs the sender a Client issues requests through.
func (c *Client) SetChannel(ch Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = ch
}

// SMISend implements serial.Dispatcher: a response frame has arrived for
// whichever SendCommandAddr call is waiting on its sequence number.
func (c *Client) SMISend(frame *ipmi.Frame) {
	if frame.Function.IsRequest() {
		c.logger.Printf("loopback: client received unexpected request NetFn %v", frame.Function)
		return
	}

	c.mu.Lock()
	respCh, ok := c.pending[frame.Sequence]
	c.mu.Unlock()
	if !ok {
		c.logger.Printf("loopback: no pending call for sequence %d, dropping response", frame.Sequence)
		return
	}
	respCh <- frame.Payload
}

// requestNetFn reports the request NetFn the four commands this module
// issues ride on: GET_DEVICE_ID is an App command, the three FRU commands
// are Storage commands (IPMI spec table 1-1).
func requestNetFn(cmd ipmi.CommandNumber) ipmi.NetworkFunction {
	if cmd == ipmi.CommandGetDeviceID {
		return ipmi.NetworkFunctionAppReq
	}
	return ipmi.NetworkFunctionStorageReq
}

// SendCommandAddr implements fru.CommandSender (and the structurally
// identical probeSender oem.Probe needs): it frames payload as a request,
// sends it through the bound channel, and blocks for the matching response
// or ctx's cancellation.
func (c *Client) SendCommandAddr(ctx context.Context, addr ipmi.Address, lun ipmi.LUN, cmd ipmi.CommandNumber, payload []byte) ([]byte, error) {
	c.mu.Lock()
	seq := c.seq
	c.seq = (c.seq + 1) & 0x3f
	respCh := make(chan []byte, 1)
	c.pending[seq] = respCh
	channel := c.channel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if channel == nil {
		return nil, fmt.Errorf("loopback: client has no bound channel")
	}

	frame := &ipmi.Frame{
		RequesterAddress: c.Address,
		Function:         requestNetFn(cmd),
		ResponderAddress: addr,
		ResponderLUN:     lun,
		Sequence:         seq,
		Command:          cmd,
		Payload:          payload,
	}
	if err := channel.Send(frame); err != nil {
		return nil, fmt.Errorf("loopback: send: %w", err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
