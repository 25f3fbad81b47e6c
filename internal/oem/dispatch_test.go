package oem

import (
	"context"
	"errors"
	"testing"

	"github.com/ipmi-sim/serv/pkg/ipmi"
)

var errTransport = errors.New("fakeProbeSender: transport failure")

type fakeProbeSender struct {
	resp []byte
	err  error
	sent []byte
}

func (s *fakeProbeSender) SendCommandAddr(ctx context.Context, addr ipmi.Address, lun ipmi.LUN, cmd ipmi.CommandNumber, payload []byte) ([]byte, error) {
	s.sent = payload
	return s.resp, s.err
}

func deviceIDResponse(mfg uint32, product uint16) []byte {
	return []byte{
		uint8(ipmi.CompletionNormal),
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06,
		uint8(mfg), uint8(mfg >> 8), uint8(mfg >> 16),
		uint8(product), uint8(product >> 8),
	}
}

func TestProbeInstallsMatchingHandler(t *testing.T) {
	sender := &fakeProbeSender{resp: deviceIDResponse(0x00A015, 0x1234)}
	registry := NewRegistry()

	installed := false
	registry.Register(Handler{
		ManufacturerID: 0x00A015,
		ProductID:      0x1234,
		Install: func(ctx context.Context, ch *Channel) {
			installed = true
		},
	})

	ch, err := Probe(context.Background(), sender, 0x20, 0, registry)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !installed {
		t.Error("expected the matching handler's Install to run")
	}
	if ch.ManufacturerID != 0x00A015 || ch.ProductID != 0x1234 {
		t.Errorf("Channel = {%#x, %#x}, want {0xA015, 0x1234}", ch.ManufacturerID, ch.ProductID)
	}
}

func TestProbeNoMatchingHandlerIsNotAnError(t *testing.T) {
	sender := &fakeProbeSender{resp: deviceIDResponse(0x000001, 0x0001)}
	registry := NewRegistry()
	registry.Register(Handler{
		ManufacturerID: 0x000002,
		ProductID:      0x0002,
		Install: func(ctx context.Context, ch *Channel) {
			t.Error("non-matching handler must not be installed")
		},
	})

	ch, err := Probe(context.Background(), sender, 0x20, 0, registry)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if ch.handler != nil {
		t.Error("expected no handler installed on a non-matching probe")
	}
}

func TestProbeFirstRegisteredMatchWins(t *testing.T) {
	sender := &fakeProbeSender{resp: deviceIDResponse(0x00A015, 0x1234)}
	registry := NewRegistry()

	var winner string
	registry.Register(Handler{
		ManufacturerID: 0x00A015,
		ProductID:      0x1234,
		Install: func(ctx context.Context, ch *Channel) {
			winner = "first"
		},
	})
	registry.Register(Handler{
		ManufacturerID: 0x00A015,
		ProductID:      0x1234,
		Install: func(ctx context.Context, ch *Channel) {
			winner = "second"
		},
	})

	if _, err := Probe(context.Background(), sender, 0x20, 0, registry); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if winner != "first" {
		t.Errorf("winning handler = %q, want %q", winner, "first")
	}
}

func TestProbeRejectsShortResponse(t *testing.T) {
	sender := &fakeProbeSender{resp: []byte{uint8(ipmi.CompletionNormal), 0x01}}
	registry := NewRegistry()
	registry.Register(Handler{
		ManufacturerID: 0,
		ProductID:      0,
		Install: func(ctx context.Context, ch *Channel) {
			t.Error("must not install a handler from a short (non-GET_DEVICE_ID-shaped) response")
		},
	})

	ch, err := Probe(context.Background(), sender, 0x20, 0, registry)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if ch.ManufacturerID != 0 || ch.ProductID != 0 {
		t.Errorf("expected zero-value IDs on a malformed response, got {%#x, %#x}", ch.ManufacturerID, ch.ProductID)
	}
}

func TestProbeRejectsNonNormalCompletion(t *testing.T) {
	resp := deviceIDResponse(0x00A015, 0x1234)
	resp[0] = uint8(ipmi.CompletionInvalidCommand)
	sender := &fakeProbeSender{resp: resp}
	registry := NewRegistry()
	registry.Register(Handler{
		ManufacturerID: 0x00A015,
		ProductID:      0x1234,
		Install: func(ctx context.Context, ch *Channel) {
			t.Error("must not install a handler when the probe's completion code is non-normal")
		},
	})

	if _, err := Probe(context.Background(), sender, 0x20, 0, registry); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

func TestProbeSendError(t *testing.T) {
	sender := &fakeProbeSender{err: errTransport}
	if _, err := Probe(context.Background(), sender, 0x20, 0, NewRegistry()); err == nil {
		t.Fatal("expected Probe to surface a transport error")
	}
}

func TestProbeNilRegistry(t *testing.T) {
	sender := &fakeProbeSender{resp: deviceIDResponse(0x00A015, 0x1234)}
	ch, err := Probe(context.Background(), sender, 0x20, 0, nil)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if ch.ManufacturerID != 0x00A015 {
		t.Errorf("ManufacturerID = %#x, want 0xA015", ch.ManufacturerID)
	}
}
