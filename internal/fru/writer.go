package fru

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/ipmi-sim/serv/internal/metrics"
	"github.com/ipmi-sim/serv/pkg/ipmi"
)

// MaxFRUDataWrite is the largest payload packed into one WRITE_FRU_DATA
// command (spec.md §4.5 "command-sized writes").
const MaxFRUDataWrite = 16

// MaxFRUWriteRetries bounds the busy-retry loop on completion code 0x81
// (spec.md §4.5, §6).
const MaxFRUWriteRetries = 30

// ErrBusy is returned by Write when the handle already has an operation
// outstanding (spec.md §4.5 "ipmi_fru_write fails with Busy if in_use is
// already set").
var ErrBusy = errors.New("fru: handle already has an operation in progress")

// MarkDirty appends a dirty (offset, length) range, applying the
// word-access rounding spec.md §4.5 requires before the range is queued:
// "if access_by_words, round offset down to even (extend length by 1 if it
// was odd), then round length up to even." A decoded record's Write hook
// calls this once per changed field.
func (h *Handle) MarkDirty(offset, length int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.accessByWords {
		if offset%2 != 0 {
			offset--
			length++
		}
		if length%2 != 0 {
			length++
		}
	}
	h.updateRecs = append(h.updateRecs, UpdateRecord{Offset: offset, Length: length})
}

// Write runs one FRUWriter session against h: re-encodes the record's
// current state, coalesces the resulting dirty ranges into command-sized
// WRITE_FRU_DATA requests, retries busy responses, and completes exactly
// once (spec.md §4.5).
func Write(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	if h.inUse {
		h.mu.Unlock()
		return ErrBusy
	}
	h.inUse = true
	h.ref()
	dataLen := h.dataLen
	record := h.record
	h.mu.Unlock()

	if record == nil {
		completeWrite(h, errors.New("fru: no decoded record attached to write"))
		return nil
	}

	h.mu.Lock()
	h.data = make([]byte, dataLen)
	h.updateRecs = nil
	h.mu.Unlock()

	if err := record.Write(h); err != nil {
		completeWrite(h, err)
		return nil
	}

	h.mu.Lock()
	hasWork := len(h.updateRecs) > 0
	h.mu.Unlock()
	if !hasWork {
		completeWrite(h, nil)
		return nil
	}

	for {
		h.mu.Lock()
		remaining := len(h.updateRecs)
		h.mu.Unlock()
		if remaining == 0 {
			break
		}
		if err := writeOneRound(ctx, h); err != nil {
			completeWrite(h, err)
			return nil
		}
	}

	record.WriteComplete(h)
	completeWrite(h, nil)
	return nil
}

// writeOneRound coalesces as many leading, offset-contiguous update
// records as fit in MaxFRUDataWrite bytes into a single WRITE_FRU_DATA
// command, then retries completion code 0x81 up to MaxFRUWriteRetries
// times (spec.md §4.5, §8's pinned busy-retry count).
func writeOneRound(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	offset, length := coalesceDirty(h)
	shift := uint(0)
	if h.accessByWords {
		shift = 1
	}
	payload := make([]byte, 3+length)
	payload[0] = h.DeviceID
	putUint16LE(payload[1:3], uint16(offset>>shift))
	copy(payload[3:], h.data[offset:offset+length])
	h.lastCmd = payload
	h.retryCount = 0
	h.mu.Unlock()

	op := func() error {
		h.mu.Lock()
		cmd := h.lastCmd
		h.mu.Unlock()

		resp, err := h.sender.SendCommandAddr(ctx, h.DeviceAddress, h.LUN, ipmi.CommandWriteFRUData, cmd)
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(resp) == 0 {
			return backoff.Permanent(fmt.Errorf("fru: empty write response"))
		}

		if resp[0] == uint8(ipmi.CompletionFRUDeviceBusy) {
			h.mu.Lock()
			if h.retryCount >= MaxFRUWriteRetries {
				h.mu.Unlock()
				return backoff.Permanent(&ipmi.CompletionError{Code: ipmi.CompletionFRUDeviceBusy})
			}
			h.retryCount++
			h.mu.Unlock()
			metrics.FRUWriteRetries.Inc()
			return fmt.Errorf("fru: device busy, retry %d/%d", h.retryCount, MaxFRUWriteRetries)
		}
		if cc := ipmi.CompletionCode(resp[0]); cc != ipmi.CompletionNormal {
			return backoff.Permanent(&ipmi.CompletionError{Code: cc})
		}

		if len(resp) >= 2 {
			h.mu.Lock()
			shift := uint(0)
			if h.accessByWords {
				shift = 1
			}
			echoed := int(resp[1]) << shift
			expected := len(cmd) - 3
			h.mu.Unlock()
			if echoed != expected {
				h.Logf("fru: incomplete FRU write, wrote %d expected %d", echoed, expected)
			}
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithMaxRetries(backoff.NewConstantBackOff(0), MaxFRUWriteRetries))
}

// Logf is a minimal hook so writer.go doesn't need a full logger
// dependency; callers that want real logging replace this via SetLogger.
func (h *Handle) Logf(format string, args ...interface{}) {
	h.mu.Lock()
	logf := h.logger
	h.mu.Unlock()
	if logf != nil {
		logf(format, args...)
	}
}

// SetLogger installs the warning-log sink used for tolerated short writes.
func (h *Handle) SetLogger(logf func(format string, args ...interface{})) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger = logf
}

// coalesceDirty implements spec.md §4.5's packing rule: starting from the
// head record's offset, consume contiguous records (by offset chaining)
// until either MaxFRUDataWrite bytes are packed or the chain breaks.
// Must be called with h.mu held; it mutates/pops h.updateRecs in place.
func coalesceDirty(h *Handle) (offset, length int) {
	noff := h.updateRecs[0].Offset
	offset = noff
	left := MaxFRUDataWrite

	for len(h.updateRecs) > 0 && left > 0 && noff == h.updateRecs[0].Offset {
		head := &h.updateRecs[0]
		tlen := left
		if tlen > head.Length {
			tlen = head.Length
		}
		noff += tlen
		length += tlen
		left -= tlen
		head.Length -= tlen
		if head.Length > 0 {
			head.Offset += tlen
		} else {
			h.updateRecs = h.updateRecs[1:]
		}
	}
	return offset, length
}

func completeWrite(h *Handle, err error) {
	h.mu.Lock()
	h.data = nil
	h.inUse = false
	h.mu.Unlock()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.FRUWriteOutcomes.WithLabelValues(outcome).Inc()

	if h.fetchedHandler != nil {
		h.fetchedHandler(h, err)
	}

	h.mu.Lock()
	h.unref()
}
