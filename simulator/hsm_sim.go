// Package simulator drives many concurrent callers through one shared
// HSM core to exercise request correlation under load.
package simulator

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/verifiable-state-chains/hsmcore/hsm_client"
	"github.com/verifiable-state-chains/hsmcore/models"
)

// ClientStats tracks statistics for a simulated caller
type ClientStats struct {
	RoundTrips    int
	Succeeded     int
	Failed        int
	Requests      int
	LastRequestID models.RequestID
}

// ClientSimulator is one logical caller performing encrypt/decrypt round trips
type ClientSimulator struct {
	id      string
	mux     *hsm_client.Mux
	timeout time.Duration
	logger  *log.Logger
	mu      sync.Mutex
	errors  []error
	stats   *ClientStats
}

// NewClientSimulator creates a simulated caller on mux
func NewClientSimulator(id string, mux *hsm_client.Mux, timeout time.Duration, logger *log.Logger) *ClientSimulator {
	if logger == nil {
		logger = log.Default()
	}
	return &ClientSimulator{
		id:      id,
		mux:     mux,
		timeout: timeout,
		logger:  logger,
		errors:  make([]error, 0),
		stats:   &ClientStats{},
	}
}

// GetID returns the caller identifier
func (s *ClientSimulator) GetID() string {
	return s.id
}

// GetStats returns a copy of the current statistics
func (s *ClientSimulator) GetStats() *ClientStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := *s.stats
	return &stats
}

// GetErrors returns all errors encountered
func (s *ClientSimulator) GetErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := make([]error, len(s.errors))
	copy(errs, s.errors)
	return errs
}

// RoundTrip draws a random key and nonce, encrypts message with them,
// decrypts the result and checks it matches
func (s *ClientSimulator) RoundTrip(ctx context.Context, message []byte) (bool, error) {
	err := s.roundTrip(ctx, message)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.RoundTrips++
	if err != nil {
		s.errors = append(s.errors, err)
		s.stats.Failed++
		return false, err
	}
	s.stats.Succeeded++
	return true, nil
}

func (s *ClientSimulator) roundTrip(ctx context.Context, message []byte) error {
	key := models.NewBuffer(make([]byte, 32))
	nonce := models.NewBuffer(make([]byte, 12))
	for _, buf := range []*models.Buffer{key, nonce} {
		buf := buf
		resp, err := s.do(ctx, func(ctx context.Context, api *hsm_client.API) (models.RequestID, error) {
			return api.GetRandom(ctx, buf)
		})
		if err != nil {
			return fmt.Errorf("get random: %w", err)
		}
		if _, ok := resp.(*models.GetRandomResponse); !ok {
			return fmt.Errorf("get random: unexpected response %T", resp)
		}
	}

	text := models.NewBuffer(append([]byte(nil), message...))
	aad := models.NewBuffer([]byte(s.id))
	tag := models.NewBuffer(make([]byte, 16))

	resp, err := s.do(ctx, func(ctx context.Context, api *hsm_client.API) (models.RequestID, error) {
		return api.EncryptExternalKey(ctx, hsm_client.ChaCha20Poly1305, key, nonce, text, aad, tag)
	})
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if _, ok := resp.(*models.EncryptChaChaPolyResponse); !ok {
		return fmt.Errorf("encrypt: unexpected response %T", resp)
	}

	resp, err = s.do(ctx, func(ctx context.Context, api *hsm_client.API) (models.RequestID, error) {
		return api.DecryptExternalKey(ctx, hsm_client.ChaCha20Poly1305, key, nonce, text, aad, tag)
	})
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	dec, ok := resp.(*models.DecryptChaChaPolyResponse)
	if !ok {
		return fmt.Errorf("decrypt: unexpected response %T", resp)
	}

	plaintext, err := dec.Plaintext.Bytes()
	if err != nil {
		return err
	}
	if !bytes.Equal(plaintext, message) {
		return fmt.Errorf("round trip mismatch: got %q, want %q", plaintext, message)
	}
	return nil
}

// do issues one request and checks that the response belongs to it
func (s *ClientSimulator) do(ctx context.Context, issue func(ctx context.Context, api *hsm_client.API) (models.RequestID, error)) (models.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var issued models.RequestID
	resp, err := s.mux.Do(ctx, func(ctx context.Context, api *hsm_client.API) (models.RequestID, error) {
		id, err := issue(ctx, api)
		issued = id
		return id, err
	})
	s.mu.Lock()
	s.stats.Requests++
	s.stats.LastRequestID = issued
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if resp.ID() != issued {
		return nil, fmt.Errorf("response %d delivered for request %d", resp.ID(), issued)
	}
	if errResp, ok := resp.(*models.ErrorResponse); ok {
		return nil, errResp
	}
	return resp, nil
}

// RunRoundTrips performs count round trips sequentially
func (s *ClientSimulator) RunRoundTrips(ctx context.Context, count int, messagePrefix string) error {
	for i := 0; i < count; i++ {
		message := []byte(fmt.Sprintf("%s-%s-%d", messagePrefix, s.id, i))
		if ok, err := s.RoundTrip(ctx, message); !ok {
			return fmt.Errorf("round trip %d failed: %v", i, err)
		}
	}
	s.logger.Printf("[INFO] [%s] completed %d round trips", s.id, count)
	return nil
}

// ClientSimulatorPool manages multiple simulated callers sharing one mux
type ClientSimulatorPool struct {
	simulators []*ClientSimulator
	mu         sync.RWMutex
}

// NewClientSimulatorPool creates count callers on mux
func NewClientSimulatorPool(mux *hsm_client.Mux, timeout time.Duration, count int, logger *log.Logger) *ClientSimulatorPool {
	pool := &ClientSimulatorPool{
		simulators: make([]*ClientSimulator, 0, count),
	}
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("client-sim-%d", i+1)
		pool.simulators = append(pool.simulators, NewClientSimulator(id, mux, timeout, logger))
	}
	return pool
}

// GetSimulator returns a simulator by index
func (p *ClientSimulatorPool) GetSimulator(index int) *ClientSimulator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if index < 0 || index >= len(p.simulators) {
		return nil
	}
	return p.simulators[index]
}

// GetAllSimulators returns all simulators
func (p *ClientSimulatorPool) GetAllSimulators() []*ClientSimulator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	simulators := make([]*ClientSimulator, len(p.simulators))
	copy(simulators, p.simulators)
	return simulators
}

// GetCount returns the number of simulators
func (p *ClientSimulatorPool) GetCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.simulators)
}

// RunConcurrentRoundTrips runs round trips concurrently across all callers
func (p *ClientSimulatorPool) RunConcurrentRoundTrips(ctx context.Context, perClient int, messagePrefix string) error {
	simulators := p.GetAllSimulators()

	var wg sync.WaitGroup
	errs := make(chan error, len(simulators))
	for _, sim := range simulators {
		wg.Add(1)
		go func(s *ClientSimulator) {
			defer wg.Done()
			if err := s.RunRoundTrips(ctx, perClient, messagePrefix); err != nil {
				errs <- fmt.Errorf("%s: %v", s.GetID(), err)
			}
		}(sim)
	}
	wg.Wait()
	close(errs)

	var errList []error
	for err := range errs {
		errList = append(errList, err)
	}
	if len(errList) > 0 {
		return fmt.Errorf("encountered %d errors: %v", len(errList), errList[0])
	}
	return nil
}

// GetTotalStats returns statistics keyed by caller id
func (p *ClientSimulatorPool) GetTotalStats() map[string]*ClientStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := make(map[string]*ClientStats)
	for _, sim := range p.simulators {
		stats[sim.GetID()] = sim.GetStats()
	}
	return stats
}
