package workers

import (
	"context"

	"github.com/verifiable-state-chains/hsmcore/channel"
	"github.com/verifiable-state-chains/hsmcore/keystore"
	"github.com/verifiable-state-chains/hsmcore/models"
)

// KeyImportWorker serves ImportKey requests
type KeyImportWorker struct {
	loop
	keys       keystore.Store
	maxKeySize int
}

// NewKeyImportWorker creates a worker writing into keys
func NewKeyImportWorker(
	keys keystore.Store,
	requests channel.Source[models.Request],
	responses channel.Sink[models.Response],
	opts ...Option,
) *KeyImportWorker {
	o := applyOptions(opts)
	w := &KeyImportWorker{
		keys:       keys,
		maxKeySize: o.maxKeySize,
	}
	w.loop = loop{
		name:      "key_import",
		requests:  requests,
		responses: responses,
		logger:    o.logger,
		handle:    w.handle,
	}
	return w
}

func (w *KeyImportWorker) handle(ctx context.Context, req models.Request) (models.Response, bool) {
	r, ok := req.(*models.ImportKeyRequest)
	if !ok {
		return nil, false
	}
	return w.importKey(ctx, r), true
}

func (w *KeyImportWorker) importKey(ctx context.Context, r *models.ImportKeyRequest) models.Response {
	if n := r.Data.Len(); n == 0 || n > w.maxKeySize {
		return errorResponse(r.RequestID, models.ErrInvalidKeySize)
	}

	if err := w.keys.Import(ctx, r.KeyID, r.Data.Bytes()); err != nil {
		w.logger.Printf("[WARNING] key import worker: request %d: key %d: %v", r.RequestID, r.KeyID, err)
		return errorResponse(r.RequestID, models.ErrKeyStore)
	}

	w.logger.Printf("[INFO] key import worker: stored key %d (%d bytes)", r.KeyID, r.Data.Len())
	return &models.ImportKeyResponse{RequestID: r.RequestID}
}
