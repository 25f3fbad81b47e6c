package serial

import (
	"fmt"
	"testing"

	"github.com/ipmi-sim/serv/pkg/ipmi"
)

type fakeTransport struct {
	sent [][]byte
}

func (t *fakeTransport) Send(data []byte) error {
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}

type fakeDispatcher struct {
	received []*ipmi.Frame
}

func (d *fakeDispatcher) SMISend(frame *ipmi.Frame) {
	d.received = append(d.received, frame)
}

func TestChannelAttentionFiresOnceOnEmptyToNonEmpty(t *testing.T) {
	transport := &fakeTransport{}
	dispatcher := &fakeDispatcher{}

	ch, err := NewChannel(VariantTerminalMode, transport, dispatcher, 0x20, []byte{'!'}, true, nil)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}

	f1 := &ipmi.Frame{Command: ipmi.CommandGetDeviceID}
	f2 := &ipmi.Frame{Command: ipmi.CommandReadFRUData}

	ch.QueueIPMB(f1)
	ch.QueueIPMB(f2)

	attnCount := 0
	for _, s := range transport.sent {
		if len(s) == 1 && s[0] == '!' {
			attnCount++
		}
	}
	if attnCount != 1 {
		t.Errorf("attention signal fired %d times, want exactly 1 across two enqueues with no dequeue between them", attnCount)
	}

	got, ok := ch.DequeueIPMB()
	if !ok || got != f1 {
		t.Fatalf("DequeueIPMB = %v, %v, want f1, true", got, ok)
	}

	// Draining to empty then enqueuing again must fire attention a
	// second time (a fresh empty->non-empty transition).
	if _, ok := ch.DequeueIPMB(); !ok {
		t.Fatal("expected second dequeue to succeed")
	}
	ch.QueueIPMB(&ipmi.Frame{Command: ipmi.CommandWriteFRUData})

	attnCount = 0
	for _, s := range transport.sent {
		if len(s) == 1 && s[0] == '!' {
			attnCount++
		}
	}
	if attnCount != 2 {
		t.Errorf("attention signal fired %d times after re-filling an emptied queue, want 2", attnCount)
	}
}

func TestChannelNoAttentionWhenDisabled(t *testing.T) {
	transport := &fakeTransport{}
	dispatcher := &fakeDispatcher{}

	ch, err := NewChannel(VariantTerminalMode, transport, dispatcher, 0x20, []byte{'!'}, false, nil)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}

	ch.QueueIPMB(&ipmi.Frame{Command: ipmi.CommandGetDeviceID})
	if len(transport.sent) != 0 {
		t.Errorf("expected no attention writes with doAttn=false, got %v", transport.sent)
	}
}

func TestChannelDispatchRoundTrip(t *testing.T) {
	transport := &fakeTransport{}
	dispatcher := &fakeDispatcher{}

	ch, err := NewChannel(VariantDirect, transport, dispatcher, 0x20, nil, false, nil)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}

	frame := &ipmi.Frame{
		RequesterAddress: 0x81,
		Function:         ipmi.NetworkFunctionAppReq,
		ResponderAddress: 0x20,
		Sequence:         7,
		Command:          ipmi.CommandGetDeviceID,
	}
	if err := ch.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("sent %d buffers, want 1", len(transport.sent))
	}

	for _, b := range transport.sent[0] {
		ch.HandleChar(b)
	}

	if len(dispatcher.received) != 1 {
		t.Fatalf("dispatcher received %d frames, want 1", len(dispatcher.received))
	}
	if dispatcher.received[0].Command != frame.Command {
		t.Errorf("received command %v, want %v", dispatcher.received[0].Command, frame.Command)
	}
}

func TestChannelEventQueueUnsupportedByRadisys(t *testing.T) {
	transport := &fakeTransport{}
	dispatcher := &fakeDispatcher{}

	ch, err := NewChannel(VariantRadisysASCII, transport, dispatcher, 0x20, nil, false, nil)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	if ok := ch.QueueEvent(&ipmi.Frame{}); ok {
		t.Error("QueueEvent on RadisysAscii = true, want false")
	}
}

func TestUnknownVariantError(t *testing.T) {
	transport := &fakeTransport{}
	dispatcher := &fakeDispatcher{}
	_, err := NewChannel("bogus", transport, dispatcher, 0x20, nil, false, nil)
	if err == nil {
		t.Fatal("NewChannel(bogus) = nil error")
	}
	if got := fmt.Sprintf("%v", err); got == "" {
		t.Error("expected a non-empty error message")
	}
}
