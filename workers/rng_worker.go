package workers

import (
	"context"

	"github.com/verifiable-state-chains/hsmcore/channel"
	"github.com/verifiable-state-chains/hsmcore/models"
	"github.com/verifiable-state-chains/hsmcore/rng"
)

// RNGWorker serves GetRandom requests
type RNGWorker struct {
	loop
	rng           *rng.Rng
	maxRandomSize int
}

// NewRNGWorker creates a worker drawing from generator
func NewRNGWorker(
	generator *rng.Rng,
	requests channel.Source[models.Request],
	responses channel.Sink[models.Response],
	opts ...Option,
) *RNGWorker {
	o := applyOptions(opts)
	w := &RNGWorker{
		rng:           generator,
		maxRandomSize: o.maxRandomSize,
	}
	w.loop = loop{
		name:      "rng",
		requests:  requests,
		responses: responses,
		logger:    o.logger,
		handle:    w.handle,
	}
	return w
}

// MaxRandomSize returns the exclusive bound on output length
func (w *RNGWorker) MaxRandomSize() int {
	return w.maxRandomSize
}

func (w *RNGWorker) handle(_ context.Context, req models.Request) (models.Response, bool) {
	r, ok := req.(*models.GetRandomRequest)
	if !ok {
		return nil, false
	}
	return w.getRandom(r), true
}

func (w *RNGWorker) getRandom(r *models.GetRandomRequest) models.Response {
	if r.Output.Len() >= w.maxRandomSize {
		return errorResponse(r.RequestID, models.ErrRequestTooLarge)
	}

	out := r.Output.Bytes()
	if err := w.rng.Fill(out); err != nil {
		// Never hand back a partially filled buffer
		zero(out)
		w.logger.Printf("[WARNING] rng worker: request %d: %v", r.RequestID, err)
		return errorResponse(r.RequestID, models.ErrEntropySource)
	}

	return &models.GetRandomResponse{
		RequestID: r.RequestID,
		Data:      r.Output.Buffer(),
	}
}
