package hsm_client

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/verifiable-state-chains/hsmcore/models"
)

// Mux lets concurrent callers share one API. Issuing is serialised by the
// API; Run drains responses and hands each one to whoever awaits its id.
// Responses nobody is waiting for yet are held until awaited or forgotten.
type Mux struct {
	api    *API
	logger *log.Logger

	mu        sync.Mutex
	waiters   map[models.RequestID]chan models.Response
	pending   map[models.RequestID]models.Response
	forgotten map[models.RequestID]struct{}
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewMux wraps api. A nil logger selects log.Default().
func NewMux(api *API, logger *log.Logger) *Mux {
	if logger == nil {
		logger = log.Default()
	}
	return &Mux{
		api:       api,
		logger:    logger,
		waiters:   make(map[models.RequestID]chan models.Response),
		pending:   make(map[models.RequestID]models.Response),
		forgotten: make(map[models.RequestID]struct{}),
		done:      make(chan struct{}),
	}
}

// API returns the wrapped API
func (m *Mux) API() *API {
	return m.api
}

// Run delivers responses until the response channel closes or ctx ends.
// It returns nil when the channel closed normally.
func (m *Mux) Run(ctx context.Context) error {
	defer m.finish()
	for {
		resp, err := m.api.RecvResponse(ctx)
		if errors.Is(err, ErrNoMoreResponses) {
			return nil
		}
		if err != nil {
			m.mu.Lock()
			m.err = err
			m.mu.Unlock()
			return err
		}
		m.deliver(resp)
	}
}

func (m *Mux) finish() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Mux) deliver(resp models.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := resp.ID()
	if _, ok := m.forgotten[id]; ok {
		delete(m.forgotten, id)
		m.logger.Printf("[WARNING] dropping response %d: caller gave up waiting", id)
		return
	}
	if ch, ok := m.waiters[id]; ok {
		delete(m.waiters, id)
		ch <- resp
		return
	}
	m.pending[id] = resp
}

// Await returns the response for id. If ctx ends first the id is forgotten
// and a late response for it is dropped.
func (m *Mux) Await(ctx context.Context, id models.RequestID) (models.Response, error) {
	m.mu.Lock()
	if resp, ok := m.pending[id]; ok {
		delete(m.pending, id)
		m.mu.Unlock()
		return resp, nil
	}
	select {
	case <-m.done:
		m.mu.Unlock()
		return nil, m.closedErr()
	default:
	}
	ch := make(chan models.Response, 1)
	m.waiters[id] = ch
	m.mu.Unlock()

	select {
	case resp := <-ch:
		return resp, nil
	case <-m.done:
		// A response may have been delivered just before Run stopped
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		m.drop(id)
		return nil, m.closedErr()
	case <-ctx.Done():
		m.mu.Lock()
		defer m.mu.Unlock()
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		delete(m.waiters, id)
		m.forgotten[id] = struct{}{}
		return nil, ctx.Err()
	}
}

// Forget discards the response for id, whether it already arrived or not
func (m *Mux) Forget(id models.RequestID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; ok {
		delete(m.pending, id)
		return
	}
	delete(m.waiters, id)
	m.forgotten[id] = struct{}{}
}

// Do issues a request through the API and awaits its response
func (m *Mux) Do(ctx context.Context, issue func(ctx context.Context, api *API) (models.RequestID, error)) (models.Response, error) {
	id, err := issue(ctx, m.api)
	if err != nil {
		return nil, err
	}
	return m.Await(ctx, id)
}

// Pending returns the number of responses held for callers that have not awaited them yet
func (m *Mux) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Mux) drop(id models.RequestID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waiters, id)
}

func (m *Mux) closedErr() error {
	if m.err != nil {
		return m.err
	}
	return ErrNoMoreResponses
}
