// Package workers contains the core-side units that drain a request
// channel, execute one capability, and emit correlated responses.
//
// Every worker follows the same loop shape: take at most one request per
// Execute call, validate it, run it, release the request's buffer leases and
// send exactly one response. A misrouted request is answered with an
// ErrUnexpectedRequestKind response and reported as *UnexpectedRequestError;
// it never stops the worker.
package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/verifiable-state-chains/hsmcore/channel"
	"github.com/verifiable-state-chains/hsmcore/models"
)

const (
	// DefaultMaxRandomSize bounds a single GetRandom request
	DefaultMaxRandomSize = 1024
	// DefaultMaxKeySize bounds imported key material
	DefaultMaxKeySize = 64
)

// UnexpectedRequestError is returned by Execute when a request reached a
// worker that does not serve its kind
type UnexpectedRequestError struct {
	Worker    string
	RequestID models.RequestID
	Kind      models.Kind
}

func (e *UnexpectedRequestError) Error() string {
	return fmt.Sprintf("%s worker received unexpected %s request %d", e.Worker, e.Kind, e.RequestID)
}

// Unwrap lets errors.Is match models.ErrUnexpectedRequestKind
func (e *UnexpectedRequestError) Unwrap() error {
	return models.ErrUnexpectedRequestKind
}

// Worker is implemented by every worker in this package
type Worker interface {
	// Name identifies the capability in logs
	Name() string
	// Execute handles at most one request. A closed, empty request
	// channel is idle and returns nil.
	Execute(ctx context.Context) error
	// Serve calls Execute until the request channel is closed and drained
	Serve(ctx context.Context) error
}

// Option configures a worker
type Option func(*options)

type options struct {
	logger        *log.Logger
	maxRandomSize int
	maxKeySize    int
}

func defaultOptions() options {
	return options{
		logger:        log.Default(),
		maxRandomSize: DefaultMaxRandomSize,
		maxKeySize:    DefaultMaxKeySize,
	}
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		if l == nil {
			l = log.New(io.Discard, "", 0)
		}
		o.logger = l
	}
}

// WithMaxRandomSize sets the exclusive upper bound on GetRandom output length
func WithMaxRandomSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRandomSize = n
		}
	}
}

// WithMaxKeySize sets the inclusive upper bound on imported key length
func WithMaxKeySize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxKeySize = n
		}
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// handler validates and executes one request. ok is false when the
// request kind is not served by the worker.
type handler func(ctx context.Context, req models.Request) (resp models.Response, ok bool)

// loop is the request/response cycle shared by all workers
type loop struct {
	name      string
	requests  channel.Source[models.Request]
	responses channel.Sink[models.Response]
	logger    *log.Logger
	handle    handler
}

// Name implements Worker
func (l *loop) Name() string {
	return l.name
}

// Execute implements Worker
func (l *loop) Execute(ctx context.Context) error {
	_, err := l.step(ctx)
	return err
}

// Serve implements Worker. Misrouted requests are logged and skipped; a
// failed response send ends the loop.
func (l *loop) Serve(ctx context.Context) error {
	l.logger.Printf("[INFO] %s worker started", l.name)
	for {
		handled, err := l.step(ctx)
		if err != nil {
			var unexpected *UnexpectedRequestError
			if errors.As(err, &unexpected) {
				l.logger.Printf("[WARNING] %v", err)
				continue
			}
			return err
		}
		if !handled {
			l.logger.Printf("[INFO] %s worker stopped: request channel closed", l.name)
			return nil
		}
	}
}

// step reports whether a request was taken from the channel
func (l *loop) step(ctx context.Context) (bool, error) {
	req, err := l.requests.Receive(ctx)
	if errors.Is(err, channel.ErrClosed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	resp, ok := l.handle(ctx, req)
	if !ok {
		resp = &models.ErrorResponse{RequestID: req.ID(), Err: models.ErrUnexpectedRequestKind}
		if err := l.respond(ctx, req, resp); err != nil {
			return true, err
		}
		return true, &UnexpectedRequestError{Worker: l.name, RequestID: req.ID(), Kind: req.Kind()}
	}
	return true, l.respond(ctx, req, resp)
}

// respond ends the worker's access to the request buffers, then sends.
// A failed send discards resp.
func (l *loop) respond(ctx context.Context, req models.Request, resp models.Response) error {
	models.ReleaseAll(req.Leases()...)
	if err := l.responses.Send(ctx, resp); err != nil {
		return fmt.Errorf("%w: response %d: %v", models.ErrSend, resp.ID(), err)
	}
	return nil
}

func errorResponse(id models.RequestID, err models.Error) models.Response {
	return &models.ErrorResponse{RequestID: id, Err: err}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
