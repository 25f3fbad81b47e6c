package serial

import (
	"log"
	"sync"

	"github.com/ipmi-sim/serv/internal/metrics"
	"github.com/ipmi-sim/serv/pkg/ipmi"
)

// Transport is the serial byte transport primitive (spec.md §6:
// "ser_send(bytes, len)"). Implementations write raw bytes to whatever
// carries the serial line (a tty, a pipe, a test buffer).
type Transport interface {
	Send(data []byte) error
}

// Dispatcher is the upstream consumer of a freshly decoded inbound IPMB
// message (spec.md §6: "smi_send(msg)"). It is the domain/session layer,
// out of this module's scope; only the interface lives here.
type Dispatcher interface {
	SMISend(frame *ipmi.Frame)
}

// Channel is a per-connection context binding one codec variant to one
// transport: spec.md §3 "Serial Channel." It owns the inbound IPMB and
// event queues and the attention-signalling policy, and implements
// CodecHost for whichever Codec it is wired to.
type Channel struct {
	mu sync.Mutex

	codec      *Codec
	transport  Transport
	dispatcher Dispatcher
	logger     *log.Logger

	bmcAddress ipmi.Address
	attnChars  []byte
	doAttn     bool

	ipmbQueue  queue
	eventQueue queue
}

// NewChannel constructs a channel bound to the named codec variant. The
// codec's Setup is invoked before returning, so a non-nil error leaves no
// partially-initialized channel behind.
func NewChannel(variant Variant, transport Transport, dispatcher Dispatcher, bmcAddress ipmi.Address, attnChars []byte, doAttn bool, logger *log.Logger) (*Channel, error) {
	if logger == nil {
		logger = defaultLogger
	}
	ch := &Channel{
		transport:  transport,
		dispatcher: dispatcher,
		logger:     logger,
		bmcAddress: bmcAddress,
		attnChars:  append([]byte(nil), attnChars...),
		doAttn:     doAttn,
	}

	codec, err := New(variant, ch)
	if err != nil {
		return nil, err
	}
	if err := codec.Setup(); err != nil {
		return nil, err
	}
	ch.codec = codec

	metrics.ChannelsOpen.Inc()
	return ch, nil
}

// HandleChar feeds one inbound byte to the bound codec. Codecs are
// synchronous with respect to a single byte (spec.md §5); this call may
// invoke SMISend, SerSend, or the queue enqueue helpers re-entrantly
// before returning.
func (c *Channel) HandleChar(ch byte) {
	c.codec.HandleChar(ch)
}

// Send encodes and transmits an outbound response through the bound
// codec, per the data flow in spec.md §2: "upstream response ->
// IPMBFrame.encode -> SerialCodec.frame -> transport write."
func (c *Channel) Send(frame *ipmi.Frame) error {
	return c.codec.Send(frame)
}

// QueueIPMB forwards to the bound codec's queue_ipmb capability. For
// TerminalMode and Direct this enqueues onto the generic IPMB FIFO and
// fires attention on the empty->non-empty transition; RadisysAscii
// instead dispatches immediately through its own handler (spec.md §4.3).
func (c *Channel) QueueIPMB(frame *ipmi.Frame) {
	c.codec.QueueIPMB(frame)
}

// QueueEvent forwards to the bound codec's queue_event capability, if it
// has one. It reports false for RadisysAscii, which cannot carry
// asynchronous events in-band (spec.md §6).
func (c *Channel) QueueEvent(frame *ipmi.Frame) bool {
	if c.codec.QueueEvent == nil {
		return false
	}
	c.codec.QueueEvent(frame)
	return true
}

// DequeueIPMB and DequeueEvent pop the next queued frame, if any. The
// trigger and cadence of draining are an upstream dispatcher policy
// (spec.md §4.3), out of this module's scope; these just expose the FIFO.
func (c *Channel) DequeueIPMB() (*ipmi.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ipmbQueue.pop()
}

func (c *Channel) DequeueEvent() (*ipmi.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eventQueue.pop()
}

// EnqueueIPMB and EnqueueEvent are the generic queue_ipmb/queue_event
// implementations shared by TerminalMode and Direct (spec.md §3's
// "queue transitions empty->non-empty" invariant). They are part of
// CodecHost so a Codec's QueueIPMB/QueueEvent closures can reach them;
// RadisysAscii's QueueIPMB bypasses them entirely (see radisys.go).
func (c *Channel) EnqueueIPMB(frame *ipmi.Frame) {
	c.enqueue(&c.ipmbQueue, frame)
}

func (c *Channel) EnqueueEvent(frame *ipmi.Frame) {
	c.enqueue(&c.eventQueue, frame)
}

func (c *Channel) enqueue(q *queue, frame *ipmi.Frame) {
	c.mu.Lock()
	wasEmpty := q.push(frame)
	fireAttn := wasEmpty && c.doAttn
	attn := c.attnChars
	c.mu.Unlock()

	if fireAttn && len(attn) > 0 {
		if err := c.transport.Send(attn); err != nil {
			c.Logf("serial: attention signal write failed: %v", err)
			return
		}
		metrics.AttentionSignals.Inc()
	}
}

// CodecHost implementation.

func (c *Channel) SerSend(data []byte) error {
	return c.transport.Send(data)
}

func (c *Channel) SMISend(frame *ipmi.Frame) {
	if c.dispatcher != nil {
		c.dispatcher.SMISend(frame)
	}
	metrics.FramesDelivered.WithLabelValues(string(c.codec.Variant)).Inc()
}

func (c *Channel) BMCAddress() ipmi.Address {
	return c.bmcAddress
}

func (c *Channel) Logf(format string, args ...interface{}) {
	c.logger.Printf(format, args...)
}
