package workers

import (
	"context"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/verifiable-state-chains/hsmcore/channel"
	"github.com/verifiable-state-chains/hsmcore/keystore"
	"github.com/verifiable-state-chains/hsmcore/models"
)

// ChaChaPolyWorker serves the ChaCha20-Poly1305 encrypt and decrypt
// requests, with stored or caller-supplied keys
type ChaChaPolyWorker struct {
	loop
	keys keystore.Store
}

// NewChaChaPolyWorker creates a worker resolving key ids through keys
func NewChaChaPolyWorker(
	keys keystore.Store,
	requests channel.Source[models.Request],
	responses channel.Sink[models.Response],
	opts ...Option,
) *ChaChaPolyWorker {
	o := applyOptions(opts)
	w := &ChaChaPolyWorker{keys: keys}
	w.loop = loop{
		name:      "chachapoly",
		requests:  requests,
		responses: responses,
		logger:    o.logger,
		handle:    w.handle,
	}
	return w
}

func (w *ChaChaPolyWorker) handle(ctx context.Context, req models.Request) (models.Response, bool) {
	switch r := req.(type) {
	case *models.EncryptChaChaPolyRequest:
		key, failed := w.resolveKey(ctx, r.RequestID, r.KeyID)
		if failed != nil {
			return failed, true
		}
		defer zero(key)
		return encrypt(r.RequestID, key, r.Nonce, r.Plaintext, r.AAD, r.Tag), true

	case *models.EncryptChaChaPolyExternalKeyRequest:
		return encrypt(r.RequestID, r.Key.Bytes(), r.Nonce, r.Plaintext, r.AAD, r.Tag), true

	case *models.DecryptChaChaPolyRequest:
		key, failed := w.resolveKey(ctx, r.RequestID, r.KeyID)
		if failed != nil {
			return failed, true
		}
		defer zero(key)
		return decrypt(r.RequestID, key, r.Nonce, r.Ciphertext, r.AAD, r.Tag), true

	case *models.DecryptChaChaPolyExternalKeyRequest:
		return decrypt(r.RequestID, r.Key.Bytes(), r.Nonce, r.Ciphertext, r.AAD, r.Tag), true
	}
	return nil, false
}

// resolveKey returns the stored key, or the error response to send instead
func (w *ChaChaPolyWorker) resolveKey(ctx context.Context, id models.RequestID, keyID models.KeyID) ([]byte, models.Response) {
	key, err := w.keys.Get(ctx, keyID)
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, errorResponse(id, models.ErrKeyNotFound)
	}
	if err != nil {
		w.logger.Printf("[WARNING] chachapoly worker: request %d: key %d: %v", id, keyID, err)
		return nil, errorResponse(id, models.ErrKeyStore)
	}
	return key, nil
}

// checkSizes validates key, nonce and tag lengths
func checkSizes(key []byte, nonce, tag *models.Lease) (models.Error, bool) {
	switch {
	case len(key) != chacha20poly1305.KeySize:
		return models.ErrInvalidKeySize, false
	case nonce.Len() != chacha20poly1305.NonceSize:
		return models.ErrInvalidNonceSize, false
	case tag.Len() != chacha20poly1305.Overhead:
		return models.ErrInvalidTagSize, false
	}
	return 0, true
}

// encrypt replaces plaintext with ciphertext and writes the tag
func encrypt(id models.RequestID, key []byte, nonce, plaintext, aad, tag *models.Lease) models.Response {
	if code, ok := checkSizes(key, nonce, tag); !ok {
		return errorResponse(id, code)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return errorResponse(id, models.ErrInvalidKeySize)
	}

	// Seal writes ciphertext||tag contiguously and the tag has its own
	// buffer, so the output goes through a scratch slice that is wiped.
	pt := plaintext.Bytes()
	sealed := aead.Seal(nil, nonce.Bytes(), pt, aad.Bytes())
	copy(pt, sealed[:len(pt)])
	copy(tag.Bytes(), sealed[len(pt):])
	zero(sealed)

	return &models.EncryptChaChaPolyResponse{
		RequestID:  id,
		Ciphertext: plaintext.Buffer(),
		Tag:        tag.Buffer(),
	}
}

// decrypt replaces ciphertext with plaintext if the tag verifies. On
// failure the ciphertext is left as it was.
func decrypt(id models.RequestID, key []byte, nonce, ciphertext, aad, tag *models.Lease) models.Response {
	if code, ok := checkSizes(key, nonce, tag); !ok {
		return errorResponse(id, code)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return errorResponse(id, models.ErrInvalidKeySize)
	}

	ct := ciphertext.Bytes()
	combined := make([]byte, 0, len(ct)+chacha20poly1305.Overhead)
	combined = append(combined, ct...)
	combined = append(combined, tag.Bytes()...)
	defer zero(combined)

	opened, err := aead.Open(combined[:0], nonce.Bytes(), combined, aad.Bytes())
	if err != nil {
		return errorResponse(id, models.ErrAuthenticationFailed)
	}
	copy(ct, opened)

	return &models.DecryptChaChaPolyResponse{
		RequestID: id,
		Plaintext: ciphertext.Buffer(),
	}
}
