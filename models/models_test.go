package models

import (
	"errors"
	"testing"
)

func TestBufferLeaseIsExclusive(t *testing.T) {
	buf := NewBuffer(make([]byte, 8))

	lease, err := buf.Acquire()
	if err != nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}
	if !buf.Leased() {
		t.Fatal("Buffer should report an outstanding lease")
	}

	if _, err := buf.Acquire(); !errors.Is(err, ErrBufferInUse) {
		t.Fatalf("Second acquire: got %v, want %v", err, ErrBufferInUse)
	}
	if _, err := buf.Bytes(); !errors.Is(err, ErrBufferInUse) {
		t.Fatalf("Owner access while leased: got %v, want %v", err, ErrBufferInUse)
	}

	lease.Bytes()[0] = 0xAA
	lease.Release()
	lease.Release()

	data, err := buf.Bytes()
	if err != nil {
		t.Fatalf("Owner access after release: %v", err)
	}
	if data[0] != 0xAA {
		t.Errorf("Write through lease not visible: got %x", data[0])
	}
	if _, err := buf.Acquire(); err != nil {
		t.Errorf("Re-acquire after release failed: %v", err)
	}
}

func TestAcquireAllRollsBack(t *testing.T) {
	a := NewBuffer(make([]byte, 4))
	b := NewBuffer(make([]byte, 4))

	// Same buffer twice must fail and leave nothing leased
	if _, err := AcquireAll(a, b, a); !errors.Is(err, ErrBufferInUse) {
		t.Fatalf("AcquireAll with duplicate: got %v, want %v", err, ErrBufferInUse)
	}
	if a.Leased() || b.Leased() {
		t.Fatal("AcquireAll left buffers leased after failure")
	}

	leases, err := AcquireAll(a, nil, b)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	if leases[1] != nil {
		t.Error("Nil buffer should yield a nil lease")
	}
	if leases[1].Len() != 0 || leases[1].Bytes() != nil {
		t.Error("Nil lease should behave as an empty buffer")
	}
	ReleaseAll(leases...)
	if a.Leased() || b.Leased() {
		t.Error("ReleaseAll did not release")
	}
}

func TestErrorResponseUnwrap(t *testing.T) {
	resp := &ErrorResponse{RequestID: 7, Err: ErrRequestTooLarge}

	if !errors.Is(resp, ErrRequestTooLarge) {
		t.Errorf("errors.Is should match the taxonomy value")
	}
	if resp.Error() != "request 7: request too large" {
		t.Errorf("Unexpected message: %s", resp.Error())
	}
	if Error(99).Error() != "unknown error 99" {
		t.Errorf("Unexpected message for unknown error: %s", Error(99).Error())
	}
}

func TestRequestKindsAndLeases(t *testing.T) {
	out, _ := NewBuffer(make([]byte, 16)).Acquire()
	requests := []struct {
		req    Request
		kind   Kind
		leases int
	}{
		{&GetRandomRequest{RequestID: 1, Output: out}, KindGetRandom, 1},
		{&ImportKeyRequest{RequestID: 2}, KindImportKey, 1},
		{&EncryptChaChaPolyRequest{RequestID: 3}, KindEncryptChaChaPoly, 4},
		{&EncryptChaChaPolyExternalKeyRequest{RequestID: 4}, KindEncryptChaChaPolyExternalKey, 5},
		{&DecryptChaChaPolyRequest{RequestID: 5}, KindDecryptChaChaPoly, 4},
		{&DecryptChaChaPolyExternalKeyRequest{RequestID: 6}, KindDecryptChaChaPolyExternalKey, 5},
	}

	for i, tc := range requests {
		if tc.req.ID() != RequestID(i+1) {
			t.Errorf("%s: id got %d, want %d", tc.kind, tc.req.ID(), i+1)
		}
		if tc.req.Kind() != tc.kind {
			t.Errorf("kind got %s, want %s", tc.req.Kind(), tc.kind)
		}
		if len(tc.req.Leases()) != tc.leases {
			t.Errorf("%s: leases got %d, want %d", tc.kind, len(tc.req.Leases()), tc.leases)
		}
	}

	if KindGetRandom.String() != "get_random" {
		t.Errorf("Unexpected kind name: %s", KindGetRandom)
	}
}
