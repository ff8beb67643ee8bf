// Package rng implements the cryptographic random generator used by the
// RNG worker: a ChaCha20 keystream seeded from an entropy source.
package rng

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20"
)

const (
	// SeedSize is the number of entropy bytes drawn per (re)seed
	SeedSize = chacha20.KeySize

	// DefaultReseedInterval is the number of output bytes after which the
	// generator pulls a fresh seed
	DefaultReseedInterval = 1 << 20
)

// EntropySource fills a buffer with cryptographically suitable random bytes
type EntropySource interface {
	FillEntropy(buf []byte) error
}

// SystemEntropy draws entropy from the operating system
type SystemEntropy struct{}

// FillEntropy implements EntropySource
func (SystemEntropy) FillEntropy(buf []byte) error {
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return fmt.Errorf("system entropy: %w", err)
	}
	return nil
}

// EntropyFunc adapts a function to EntropySource
type EntropyFunc func(buf []byte) error

// FillEntropy implements EntropySource
func (f EntropyFunc) FillEntropy(buf []byte) error {
	return f(buf)
}

// Rng is a ChaCha20-based generator bound to an entropy source
type Rng struct {
	mu             sync.Mutex
	source         EntropySource
	stream         *chacha20.Cipher
	produced       uint64
	reseedInterval uint64
}

// New creates a generator. It seeds lazily on the first Fill.
// reseedInterval of zero selects DefaultReseedInterval.
func New(source EntropySource, reseedInterval uint64) *Rng {
	if reseedInterval == 0 {
		reseedInterval = DefaultReseedInterval
	}
	return &Rng{
		source:         source,
		reseedInterval: reseedInterval,
	}
}

// Fill overwrites every byte of out with generator output
func (r *Rng) Fill(out []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(out) > 0 {
		if r.stream == nil || r.produced >= r.reseedInterval {
			if err := r.reseed(); err != nil {
				return err
			}
		}

		n := uint64(len(out))
		if remaining := r.reseedInterval - r.produced; n > remaining {
			n = remaining
		}
		chunk := out[:n]
		for i := range chunk {
			chunk[i] = 0
		}
		r.stream.XORKeyStream(chunk, chunk)
		r.produced += n
		out = out[n:]
	}
	return nil
}

func (r *Rng) reseed() error {
	seed := make([]byte, SeedSize)
	defer func() {
		for i := range seed {
			seed[i] = 0
		}
	}()

	if err := r.source.FillEntropy(seed); err != nil {
		return fmt.Errorf("failed to seed generator: %w", err)
	}

	nonce := make([]byte, chacha20.NonceSize)
	stream, err := chacha20.NewUnauthenticatedCipher(seed, nonce)
	if err != nil {
		return fmt.Errorf("failed to create keystream: %w", err)
	}
	r.stream = stream
	r.produced = 0
	return nil
}
