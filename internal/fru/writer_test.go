package fru

import (
	"context"
	"testing"

	"github.com/ipmi-sim/serv/pkg/ipmi"
)

func TestWriteBusyRetry(t *testing.T) {
	sender := newScriptedSender()
	busy := []byte{uint8(ipmi.CompletionFRUDeviceBusy)}
	responses := make([][]byte, 0, MaxFRUWriteRetries)
	for i := 0; i < MaxFRUWriteRetries-1; i++ {
		responses = append(responses, busy)
	}
	responses = append(responses, []byte{uint8(ipmi.CompletionNormal), 4})
	sender.script(ipmi.CommandWriteFRUData, responses...)

	h := NewHandle(sender, Identity{DeviceAddress: 0x20}, nil)
	h.mu.Lock()
	h.inUse = false
	h.dataLen = 8
	h.record = &RawRecord{data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	h.mu.Unlock()
	// Seed the record's own dirty range (normally a decoded field setter
	// would do this).
	h.record.(*RawRecord).updates = []UpdateRecord{{Offset: 0, Length: 4}}

	if err := Write(context.Background(), h); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reqs := sender.requests[ipmi.CommandWriteFRUData]
	if len(reqs) != MaxFRUWriteRetries {
		t.Fatalf("issued %d WRITE_FRU_DATA requests, want %d (pinned busy-retry count, spec.md §8)", len(reqs), MaxFRUWriteRetries)
	}
}

func TestWriteBusyRejectedAfterExhaustingRetries(t *testing.T) {
	sender := newScriptedSender()
	busy := []byte{uint8(ipmi.CompletionFRUDeviceBusy)}
	responses := make([][]byte, 0, MaxFRUWriteRetries+1)
	for i := 0; i < MaxFRUWriteRetries+1; i++ {
		responses = append(responses, busy)
	}
	sender.script(ipmi.CommandWriteFRUData, responses...)

	h := NewHandle(sender, Identity{DeviceAddress: 0x20}, nil)
	done := make(chan struct{})
	var gotErr error
	h.fetchedHandler = func(h *Handle, err error) {
		gotErr = err
		close(done)
	}
	h.mu.Lock()
	h.inUse = false
	h.dataLen = 4
	h.record = &RawRecord{data: []byte{1, 2, 3, 4}, updates: []UpdateRecord{{Offset: 0, Length: 4}}}
	h.mu.Unlock()

	if err := Write(context.Background(), h); err != nil {
		t.Fatalf("Write: %v", err)
	}
	<-done
	if gotErr == nil {
		t.Fatal("expected an error once busy retries are exhausted")
	}
}

func TestMarkDirtyWordRounding(t *testing.T) {
	h := &Handle{accessByWords: true}
	h.MarkDirty(3, 2)

	if len(h.updateRecs) != 1 {
		t.Fatalf("got %d update records, want 1", len(h.updateRecs))
	}
	rec := h.updateRecs[0]
	if rec.Offset != 2 || rec.Length != 4 {
		t.Errorf("MarkDirty(3, 2) with accessByWords = {%d, %d}, want {2, 4}", rec.Offset, rec.Length)
	}
}

func TestCoalesceDirtyRespectsMaxWrite(t *testing.T) {
	h := &Handle{
		data: make([]byte, 64),
		updateRecs: []UpdateRecord{
			{Offset: 0, Length: MaxFRUDataWrite + 4},
		},
	}

	offset, length := coalesceDirty(h)
	if offset != 0 || length != MaxFRUDataWrite {
		t.Errorf("coalesceDirty = {%d, %d}, want {0, %d}", offset, length, MaxFRUDataWrite)
	}
	if len(h.updateRecs) != 1 || h.updateRecs[0].Offset != MaxFRUDataWrite || h.updateRecs[0].Length != 4 {
		t.Errorf("remaining update record = %+v, want {%d, 4}", h.updateRecs, MaxFRUDataWrite)
	}
}

