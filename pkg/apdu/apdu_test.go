package apdu

import (
	"bytes"
	"reflect"
	"testing"
)

func TestEncodeDecodeCase1(t *testing.T) {
	c := &Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00}
	raw, err := Encode(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(raw, []byte{0x00, 0xA4, 0x04, 0x00}) {
		t.Fatalf("unexpected encoding: % X", raw)
	}
	got, err := DecodeCommand(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, c) {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", got, c)
	}
}

func TestEncodeDecodeCase3Short(t *testing.T) {
	c := &Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Data: []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00}}
	raw, err := Encode(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0x00, 0xA4, 0x04, 0x00, 0x07, 0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00}
	if !bytes.Equal(raw, want) {
		t.Fatalf("unexpected encoding: % X want % X", raw, want)
	}
	got, err := DecodeCommand(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Le != 0 || !bytes.Equal(got.Data, c.Data) {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestEncodeDecodeCase4Short(t *testing.T) {
	c := &Command{CLA: 0x80, INS: 0xCA, P1: 0x00, P2: 0x66, Data: []byte{0x01, 0x02}, Le: 256}
	raw, err := Encode(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeCommand(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Le != 256 {
		t.Fatalf("expected Le=256 (encoded as 0x00), got %d", got.Le)
	}
}

func TestDecodeCommandTrailingBytesRejected(t *testing.T) {
	raw := []byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0xAA, 0xBB, 0xFF, 0xFF} // Lc=2, Le=FF, then one extra trailing byte
	_, err := DecodeCommand(raw)
	if err == nil {
		t.Fatalf("expected length_mismatch error")
	}
	me, ok := err.(*MalformedError)
	if !ok || me.Reason != "length_mismatch" {
		t.Fatalf("expected length_mismatch, got %v", err)
	}
}

func TestExtendedLength(t *testing.T) {
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	c := &Command{CLA: 0x00, INS: 0xD6, P1: 0x00, P2: 0x00, Data: data, Le: 300}
	raw, err := Encode(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeCommand(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Le != 300 || !bytes.Equal(got.Data, data) {
		t.Fatalf("extended roundtrip mismatch")
	}
}

func TestResponseRoundtrip(t *testing.T) {
	r := &Response{Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}, SW1: 0x90, SW2: 0x00}
	raw := EncodeResponse(r)
	got, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, r) {
		t.Fatalf("roundtrip mismatch")
	}
	if !bytes.Equal(EncodeResponse(got), raw) {
		t.Fatalf("encode(decode(r)) != r")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		sw   uint16
		want Class
	}{
		{0x9000, ClassSuccess},
		{0x6123, ClassSuccess},
		{0x9100, ClassSuccess},
		{0x9abc, ClassSuccess},
		{0x6200, ClassWarning},
		{0x63C2, ClassWarning},
		{0x6400, ClassError},
		{0x6F00, ClassError},
		{0x7000, ClassUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.sw); got != tc.want {
			t.Errorf("Classify(%04X) = %v, want %v", tc.sw, got, tc.want)
		}
	}
}

func TestWildcards(t *testing.T) {
	if l, ok := IsMoreDataAvailable(0x6120); !ok || l != 0x20 {
		t.Fatalf("IsMoreDataAvailable failed: %v %v", l, ok)
	}
	if l, ok := IsRetryWithLe(0x6C10); !ok || l != 0x10 {
		t.Fatalf("IsRetryWithLe failed: %v %v", l, ok)
	}
	if n, ok := IsCounterRetriesRemaining(0x63C3); !ok || n != 3 {
		t.Fatalf("IsCounterRetriesRemaining failed: %v %v", n, ok)
	}
	cmd := GetResponseCommand(0x20)
	if cmd.INS != 0xC0 || cmd.Le != 0x20 {
		t.Fatalf("GetResponseCommand unexpected: %+v", cmd)
	}
}

func TestMalformedShortInput(t *testing.T) {
	if _, err := DecodeCommand([]byte{0x00, 0xA4, 0x04}); err == nil {
		t.Fatalf("expected error for too-short command")
	}
	if _, err := DecodeResponse([]byte{0x90}); err == nil {
		t.Fatalf("expected error for too-short response")
	}
}
