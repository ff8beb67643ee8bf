package rng

import (
	"bytes"
	"errors"
	"testing"
)

// countingEntropy hands out a different constant seed on every call
func countingEntropy(calls *int) EntropySource {
	return EntropyFunc(func(buf []byte) error {
		*calls++
		for i := range buf {
			buf[i] = byte(*calls)
		}
		return nil
	})
}

func TestFillIsDeterministicForSeed(t *testing.T) {
	var callsA, callsB int
	a := New(countingEntropy(&callsA), 0)
	b := New(countingEntropy(&callsB), 0)

	outA := make([]byte, 64)
	outB := make([]byte, 64)
	if err := a.Fill(outA); err != nil {
		t.Fatalf("Failed to fill: %v", err)
	}
	if err := b.Fill(outB); err != nil {
		t.Fatalf("Failed to fill: %v", err)
	}

	if !bytes.Equal(outA, outB) {
		t.Error("Same seed should yield the same stream")
	}
	if bytes.Equal(outA, make([]byte, 64)) {
		t.Error("Output is all zero")
	}
}

func TestFillReseedsAfterInterval(t *testing.T) {
	var calls int
	r := New(countingEntropy(&calls), 16)

	out := make([]byte, 40)
	if err := r.Fill(out); err != nil {
		t.Fatalf("Failed to fill: %v", err)
	}
	// 40 bytes at 16 bytes per seed: 16 + 16 + 8
	if calls != 3 {
		t.Errorf("Seed calls got %d, want 3", calls)
	}
	if bytes.Equal(out[:16], out[16:32]) {
		t.Error("Reseed should change the stream")
	}
}

func TestFillReportsEntropyFailure(t *testing.T) {
	boom := errors.New("entropy exhausted")
	r := New(EntropyFunc(func([]byte) error { return boom }), 0)

	if err := r.Fill(make([]byte, 8)); !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
}

func TestSystemEntropy(t *testing.T) {
	r := New(SystemEntropy{}, 0)
	out := make([]byte, 32)
	if err := r.Fill(out); err != nil {
		t.Fatalf("Failed to fill: %v", err)
	}
	if bytes.Equal(out, make([]byte, 32)) {
		t.Error("Output is all zero")
	}
}
