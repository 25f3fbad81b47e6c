package ipmi

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestChecksumRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01},
		{0x20, 0x18, 0x00},
		{0xff, 0xff, 0xff, 0xff},
		{0x00, 0x81, 0x04, 0x31, 0x02, 0x10},
	}
	for _, data := range cases {
		sum := Checksum(data)
		full := append(append([]byte{}, data...), sum)
		if got := Checksum(full); got != 0 {
			t.Errorf("Checksum(%v ++ Checksum) = 0x%02x, want 0", data, got)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	want := &Frame{
		RequesterAddress: 0x81,
		RequesterLUN:     0,
		Function:         NetworkFunctionAppReq,
		ResponderAddress: 0x20,
		ResponderLUN:     0,
		Sequence:         0x12,
		Command:          CommandGetDeviceID,
		Payload:          []byte{0x01, 0x02, 0x03},
	}

	encoded, err := EncodeFrame(want)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	got, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}

	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Frame{}, "BaseLayer")); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	want := &Frame{
		RequesterAddress: 0x00,
		Function:         NetworkFunctionStorageReq,
		ResponderAddress: 0x20,
		Sequence:         0x01,
		Command:          CommandGetFRUInventoryAreaInfo,
	}

	encoded, err := EncodeFrame(want)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	got, err := DecodeFrame(encoded)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Errorf("Payload = %v, want empty", got.Payload)
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Frame{}, "BaseLayer", "Payload")); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeFrameShort(t *testing.T) {
	_, err := DecodeFrame([]byte{0x20, 0x18, 0x00})
	if !errors.Is(err, ErrShortFrame) {
		t.Errorf("DecodeFrame(short) = %v, want ErrShortFrame", err)
	}
}

func TestDecodeFrameBadChecksum(t *testing.T) {
	f := &Frame{
		RequesterAddress: 0x81,
		Function:         NetworkFunctionAppReq,
		ResponderAddress: 0x20,
		Sequence:         1,
		Command:          CommandGetDeviceID,
	}
	encoded, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	encoded[2] ^= 0xff

	_, err = DecodeFrame(encoded)
	if !errors.Is(err, ErrBadChecksum) {
		t.Errorf("DecodeFrame(bad checksum) = %v, want ErrBadChecksum", err)
	}
}

func TestNetworkFunctionResponse(t *testing.T) {
	if got := NetworkFunctionAppReq.Response(); got != NetworkFunctionAppRsp {
		t.Errorf("AppReq.Response() = %v, want AppRsp", got)
	}
	if !NetworkFunctionStorageReq.IsRequest() {
		t.Errorf("StorageReq.IsRequest() = false, want true")
	}
	if NetworkFunctionStorageRsp.IsRequest() {
		t.Errorf("StorageRsp.IsRequest() = true, want false")
	}
}

func TestCompletionErrorWraps(t *testing.T) {
	err := &CompletionError{Code: CompletionFRUDeviceBusy}
	if err.Error() == "" {
		t.Fatal("CompletionError.Error() returned empty string")
	}
}

func TestIsShrinkTrigger(t *testing.T) {
	shrink := []CompletionCode{
		CompletionCannotReturnRequestedLength,
		CompletionRequestDataFieldExceeded,
		CompletionRequestDataLengthInvalid,
		CompletionTimeout,
		CompletionUnspecifiedError,
	}
	for _, c := range shrink {
		if !c.IsShrinkTrigger() {
			t.Errorf("%v.IsShrinkTrigger() = false, want true", c)
		}
	}
	notShrink := []CompletionCode{CompletionNormal, CompletionFRUDeviceBusy, CompletionNodeBusy}
	for _, c := range notShrink {
		if c.IsShrinkTrigger() {
			t.Errorf("%v.IsShrinkTrigger() = true, want false", c)
		}
	}
}
