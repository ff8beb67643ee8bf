package hsm_server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/verifiable-state-chains/hsmcore/channel"
	"github.com/verifiable-state-chains/hsmcore/hsm_client"
	"github.com/verifiable-state-chains/hsmcore/keystore"
	"github.com/verifiable-state-chains/hsmcore/models"
	"github.com/verifiable-state-chains/hsmcore/rng"
	"github.com/verifiable-state-chains/hsmcore/workers"
)

// CoreConfig holds the core runtime limits
type CoreConfig struct {
	QueueCapacity  int    // capacity of every pipe
	MaxRandomSize  int    // exclusive bound on GetRandom output length
	MaxKeySize     int    // inclusive bound on imported key length
	ReseedInterval uint64 // generator output bytes between reseeds
	Logger         *log.Logger
}

// Core wires an API to the workers. A router goroutine forwards each
// request to the worker serving its kind; all workers answer on one shared
// response pipe read by the API.
type Core struct {
	requests  *channel.Pipe[models.Request]
	responses *channel.Pipe[models.Response]
	routes    map[models.Kind]*channel.Pipe[models.Request]
	pipes     []*channel.Pipe[models.Request]
	workers   []workers.Worker
	api       *hsm_client.API
	logger    *log.Logger
}

// NewCore builds the RNG, key import and ChaCha20-Poly1305 workers
func NewCore(cfg CoreConfig, keys keystore.Store, entropy rng.EntropySource) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	c := &Core{
		requests:  channel.NewPipe[models.Request](cfg.QueueCapacity),
		responses: channel.NewPipe[models.Response](cfg.QueueCapacity),
		routes:    make(map[models.Kind]*channel.Pipe[models.Request]),
		logger:    logger,
	}
	c.api = hsm_client.NewAPI(c.requests, c.responses)

	opts := []workers.Option{
		workers.WithLogger(logger),
		workers.WithMaxRandomSize(cfg.MaxRandomSize),
		workers.WithMaxKeySize(cfg.MaxKeySize),
	}

	rngPipe := c.route(cfg.QueueCapacity, models.KindGetRandom)
	c.workers = append(c.workers, workers.NewRNGWorker(rng.New(entropy, cfg.ReseedInterval), rngPipe, c.responses, opts...))

	importPipe := c.route(cfg.QueueCapacity, models.KindImportKey)
	c.workers = append(c.workers, workers.NewKeyImportWorker(keys, importPipe, c.responses, opts...))

	cipherPipe := c.route(cfg.QueueCapacity,
		models.KindEncryptChaChaPoly,
		models.KindEncryptChaChaPolyExternalKey,
		models.KindDecryptChaChaPoly,
		models.KindDecryptChaChaPolyExternalKey,
	)
	c.workers = append(c.workers, workers.NewChaChaPolyWorker(keys, cipherPipe, c.responses, opts...))

	return c
}

// route creates a worker pipe receiving the given kinds
func (c *Core) route(capacity int, kinds ...models.Kind) *channel.Pipe[models.Request] {
	pipe := channel.NewPipe[models.Request](capacity)
	for _, k := range kinds {
		c.routes[k] = pipe
	}
	c.pipes = append(c.pipes, pipe)
	return pipe
}

// API returns the request issuer connected to this core
func (c *Core) API() *hsm_client.API {
	return c.api
}

// Run serves requests until Close is called and every queued request has
// been answered, or until ctx ends
func (c *Core) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	var running sync.WaitGroup
	for _, w := range c.workers {
		w := w
		running.Add(1)
		g.Go(func() error {
			defer running.Done()
			if err := w.Serve(gctx); err != nil {
				return fmt.Errorf("%s worker: %w", w.Name(), err)
			}
			return nil
		})
	}

	g.Go(func() error {
		running.Wait()
		c.responses.Close()
		return nil
	})

	g.Go(func() error {
		defer c.closeWorkerPipes()
		return c.dispatch(gctx)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		c.logger.Printf("[INFO] core stopped: %v", ctx.Err())
		return nil
	}
	return err
}

// Close stops accepting requests. Requests already queued are still served.
func (c *Core) Close() {
	c.requests.Close()
}

func (c *Core) closeWorkerPipes() {
	for _, p := range c.pipes {
		p.Close()
	}
}

// dispatch forwards requests to worker pipes until the request pipe is
// closed and drained
func (c *Core) dispatch(ctx context.Context) error {
	for {
		req, err := c.requests.Receive(ctx)
		if errors.Is(err, channel.ErrClosed) {
			c.logger.Printf("[INFO] router stopped: request channel closed")
			return nil
		}
		if err != nil {
			return err
		}

		pipe, ok := c.routes[req.Kind()]
		if !ok {
			c.logger.Printf("[WARNING] router: no worker for %s request %d", req.Kind(), req.ID())
			if err := c.reject(ctx, req, models.ErrUnexpectedRequestKind); err != nil {
				return err
			}
			continue
		}

		if err := pipe.Send(ctx, req); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Printf("[WARNING] router: forwarding %s request %d: %v", req.Kind(), req.ID(), err)
			if err := c.reject(ctx, req, models.ErrSend); err != nil {
				return err
			}
		}
	}
}

// reject answers a request the router could not hand to a worker
func (c *Core) reject(ctx context.Context, req models.Request, code models.Error) error {
	models.ReleaseAll(req.Leases()...)
	resp := &models.ErrorResponse{RequestID: req.ID(), Err: code}
	if err := c.responses.Send(ctx, resp); err != nil {
		return fmt.Errorf("%w: response %d: %v", models.ErrSend, req.ID(), err)
	}
	return nil
}
