package fru

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/ipmi-sim/serv/internal/metrics"
	"github.com/ipmi-sim/serv/pkg/ipmi"
)

// Sentinel errors surfaced by the reader (spec.md §7).
var (
	ErrInvalidInventorySize = errors.New("fru: invalid inventory area response")
	ErrUndersizedArea       = errors.New("fru: inventory area smaller than the 8-byte header")
	ErrCountMismatch        = errors.New("fru: read returned more bytes than the response carries")
	ErrZeroProgress         = errors.New("fru: read made zero progress")
	ErrCancelled            = errors.New("fru: handle destroyed while an operation was outstanding")
)

// maxShrinkRounds bounds the adaptive-shrink retry loop: fetchSize starts at
// MaxFetchSize and drops by FetchSizeStep until MinFetchSize, so there are
// at most that many shrinks before the error becomes permanent.
const maxShrinkRounds = (MaxFetchSize - MinFetchSize) / FetchSizeStep

// Fetch runs the full FRUReader state machine against h: InventoryProbe,
// then ReadLoop with adaptive shrink, then Decode via registry, then
// Complete (spec.md §4.4). It is synchronous; callers that want the
// spec's asynchronous feel should invoke it with `go`.
func Fetch(ctx context.Context, h *Handle, decoders *DecoderRegistry) {
	metrics.FRUFetchAttempts.Inc()

	err := fetchInventoryArea(ctx, h)
	if err == nil {
		err = readLoop(ctx, h)
	}
	if err == nil && decoders != nil {
		err = decoders.IterateUntilSuccess(h)
	}

	completeFetch(h, err)
}

func fetchInventoryArea(ctx context.Context, h *Handle) error {
	if h.Deleted() {
		return ErrCancelled
	}

	resp, err := h.sender.SendCommandAddr(ctx, h.DeviceAddress, h.LUN,
		ipmi.CommandGetFRUInventoryAreaInfo, []byte{h.DeviceID})
	if err != nil {
		return err
	}
	if h.Deleted() {
		return ErrCancelled
	}
	if len(resp) == 0 {
		return ErrInvalidInventorySize
	}
	if cc := ipmi.CompletionCode(resp[0]); cc != ipmi.CompletionNormal {
		return &ipmi.CompletionError{Code: cc}
	}
	if len(resp) < 4 {
		return ErrInvalidInventorySize
	}

	dataLen := int(resp[1]) | int(resp[2])<<8
	if dataLen < 8 {
		return ErrUndersizedArea
	}

	h.mu.Lock()
	h.dataLen = dataLen
	h.accessByWords = resp[3]&1 != 0
	h.data = make([]byte, dataLen)
	h.currPos = 0
	h.mu.Unlock()
	return nil
}

// readLoop implements spec.md §4.4 step 2: stream fixed-size reads into
// h.data, shrinking fetchSize on size-related completion codes and retrying
// at the same offset, tolerating a short final read once the header (first
// 8 bytes) is already present.
func readLoop(ctx context.Context, h *Handle) error {
	for {
		h.mu.Lock()
		done := h.currPos >= h.dataLen
		h.mu.Unlock()
		if done {
			return nil
		}
		if h.Deleted() {
			return ErrCancelled
		}

		outcome, err := readOneChunk(ctx, h)
		if err != nil {
			return err
		}
		switch outcome {
		case chunkShortCircuitDone:
			return nil
		case chunkContinue:
			// loop again
		}
	}
}

type chunkOutcome int

const (
	chunkContinue chunkOutcome = iota
	chunkShortCircuitDone
)

// readOneChunk issues one READ_FRU_DATA request, retrying with a smaller
// fetchSize via backoff.Retry on size-related completion codes, per
// spec.md §8's pinned property: "the first CANNOT_RETURN_REQ_LENGTH_CC
// response MUST result in fetch_size -= 8 and a retry at the same curr_pos."
func readOneChunk(ctx context.Context, h *Handle) (chunkOutcome, error) {
	var outcome chunkOutcome

	op := func() error {
		h.mu.Lock()
		offset := h.currPos
		toRead := h.dataLen - h.currPos
		if toRead > h.fetchSize {
			toRead = h.fetchSize
		}
		shift := uint(0)
		if h.accessByWords {
			shift = 1
		}
		h.mu.Unlock()

		cmdData := make([]byte, 4)
		cmdData[0] = h.DeviceID
		putUint16LE(cmdData[1:3], uint16(offset>>shift))
		cmdData[3] = byte(toRead >> shift)

		resp, err := h.sender.SendCommandAddr(ctx, h.DeviceAddress, h.LUN, ipmi.CommandReadFRUData, cmdData)
		if err != nil {
			return backoff.Permanent(err)
		}
		if h.Deleted() {
			return backoff.Permanent(ErrCancelled)
		}
		if len(resp) == 0 {
			return backoff.Permanent(ErrInvalidInventorySize)
		}

		cc := ipmi.CompletionCode(resp[0])
		if cc != ipmi.CompletionNormal {
			h.mu.Lock()
			shrinkable := cc.IsShrinkTrigger() && h.fetchSize > MinFetchSize
			if shrinkable {
				h.fetchSize -= FetchSizeStep
			}
			currPos := h.currPos
			h.mu.Unlock()

			if shrinkable {
				metrics.FRUFetchShrinks.Inc()
				return fmt.Errorf("fru: shrinking fetch size after completion code %v", cc)
			}
			if currPos >= 8 {
				h.mu.Lock()
				h.dataLen = h.currPos
				h.mu.Unlock()
				outcome = chunkShortCircuitDone
				return nil
			}
			return backoff.Permanent(&ipmi.CompletionError{Code: cc})
		}

		if len(resp) < 2 {
			return backoff.Permanent(ErrInvalidInventorySize)
		}

		h.mu.Lock()
		shift = 0
		if h.accessByWords {
			shift = 1
		}
		count := int(resp[1]) << shift
		if count == 0 {
			h.mu.Unlock()
			return backoff.Permanent(ErrZeroProgress)
		}
		if count > len(resp)-2 {
			h.mu.Unlock()
			return backoff.Permanent(ErrCountMismatch)
		}
		copy(h.data[h.currPos:], resp[2:2+count])
		h.currPos += count
		h.mu.Unlock()
		return nil
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewConstantBackOff(0), maxShrinkRounds))
	if err != nil {
		return chunkContinue, unwrapPermanent(err)
	}
	return outcome, nil
}

func unwrapPermanent(err error) error {
	var perr *backoff.PermanentError
	if errors.As(err, &perr) {
		return perr.Unwrap()
	}
	return err
}

func completeFetch(h *Handle, err error) {
	h.mu.Lock()
	h.data = nil
	h.inUse = false
	h.mu.Unlock()

	outcome := "success"
	switch {
	case errors.Is(err, ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}
	metrics.FRUFetchOutcomes.WithLabelValues(outcome).Inc()

	if h.fetchedHandler != nil {
		h.fetchedHandler(h, err)
	}

	h.mu.Lock()
	h.unref()
}
