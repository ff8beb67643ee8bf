// Package hsm_client is the client-side issuer of HSM requests.
package hsm_client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/verifiable-state-chains/hsmcore/channel"
	"github.com/verifiable-state-chains/hsmcore/models"
)

var (
	// ErrNoMoreResponses is returned by RecvResponse once the response channel is closed and drained
	ErrNoMoreResponses = errors.New("no more responses")
	// ErrUnsupportedAlgorithm is returned for an algorithm selector with no request variant
	ErrUnsupportedAlgorithm = errors.New("unsupported symmetric encryption algorithm")
)

// SymmetricEncryptionAlgorithm selects the cipher for Encrypt and Decrypt.
// Adding an algorithm means adding a value here and a branch in each call.
type SymmetricEncryptionAlgorithm int

const (
	ChaCha20Poly1305 SymmetricEncryptionAlgorithm = iota + 1
)

func (a SymmetricEncryptionAlgorithm) String() string {
	switch a {
	case ChaCha20Poly1305:
		return "chacha20-poly1305"
	}
	return fmt.Sprintf("algorithm(%d)", int(a))
}

// ParseAlgorithm maps a name to its selector
func ParseAlgorithm(name string) (SymmetricEncryptionAlgorithm, error) {
	switch name {
	case "chacha20-poly1305", "chacha20poly1305":
		return ChaCha20Poly1305, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
}

// API sends requests to the HSM core and receives its responses.
//
// Every buffer passed to an issuing method is leased to the worker until the
// worker has executed the request; reading it through Buffer.Bytes before
// the matching response arrives fails with models.ErrBufferInUse.
type API struct {
	mu             sync.Mutex
	requests       channel.Sink[models.Request]
	responses      channel.Source[models.Response]
	requestCounter models.RequestID
	exhausted      bool
}

// NewAPI creates an API over a request sink and a response source.
// Request ids start at zero.
func NewAPI(requests channel.Sink[models.Request], responses channel.Source[models.Response]) *API {
	return &API{
		requests:  requests,
		responses: responses,
	}
}

// RecvResponse returns the next response, suspending until one is available.
// No filtering is done; callers match ids themselves (see Mux).
func (a *API) RecvResponse(ctx context.Context) (models.Response, error) {
	resp, err := a.responses.Receive(ctx)
	if errors.Is(err, channel.ErrClosed) {
		return nil, ErrNoMoreResponses
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRandom requests output to be filled with random bytes
func (a *API) GetRandom(ctx context.Context, output *models.Buffer) (models.RequestID, error) {
	return a.issue(ctx, func(id models.RequestID, l []*models.Lease) models.Request {
		return &models.GetRandomRequest{RequestID: id, Output: l[0]}
	}, output)
}

// ImportKey requests data to be stored under keyID
func (a *API) ImportKey(ctx context.Context, keyID models.KeyID, data *models.Buffer) (models.RequestID, error) {
	return a.issue(ctx, func(id models.RequestID, l []*models.Lease) models.Request {
		return &models.ImportKeyRequest{RequestID: id, KeyID: keyID, Data: l[0]}
	}, data)
}

// Encrypt requests plaintext to be encrypted in place with the stored key
// keyID, writing the authentication tag into tag
func (a *API) Encrypt(
	ctx context.Context,
	algorithm SymmetricEncryptionAlgorithm,
	keyID models.KeyID,
	nonce, plaintext, aad, tag *models.Buffer,
) (models.RequestID, error) {
	switch algorithm {
	case ChaCha20Poly1305:
		return a.issue(ctx, func(id models.RequestID, l []*models.Lease) models.Request {
			return &models.EncryptChaChaPolyRequest{
				RequestID: id, KeyID: keyID, Nonce: l[0], Plaintext: l[1], AAD: l[2], Tag: l[3],
			}
		}, nonce, plaintext, aad, tag)
	}
	return 0, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, algorithm)
}

// EncryptExternalKey is Encrypt with a caller-supplied key
func (a *API) EncryptExternalKey(
	ctx context.Context,
	algorithm SymmetricEncryptionAlgorithm,
	key, nonce, plaintext, aad, tag *models.Buffer,
) (models.RequestID, error) {
	switch algorithm {
	case ChaCha20Poly1305:
		return a.issue(ctx, func(id models.RequestID, l []*models.Lease) models.Request {
			return &models.EncryptChaChaPolyExternalKeyRequest{
				RequestID: id, Key: l[0], Nonce: l[1], Plaintext: l[2], AAD: l[3], Tag: l[4],
			}
		}, key, nonce, plaintext, aad, tag)
	}
	return 0, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, algorithm)
}

// Decrypt requests ciphertext to be verified against tag and decrypted in
// place with the stored key keyID
func (a *API) Decrypt(
	ctx context.Context,
	algorithm SymmetricEncryptionAlgorithm,
	keyID models.KeyID,
	nonce, ciphertext, aad, tag *models.Buffer,
) (models.RequestID, error) {
	switch algorithm {
	case ChaCha20Poly1305:
		return a.issue(ctx, func(id models.RequestID, l []*models.Lease) models.Request {
			return &models.DecryptChaChaPolyRequest{
				RequestID: id, KeyID: keyID, Nonce: l[0], Ciphertext: l[1], AAD: l[2], Tag: l[3],
			}
		}, nonce, ciphertext, aad, tag)
	}
	return 0, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, algorithm)
}

// DecryptExternalKey is Decrypt with a caller-supplied key
func (a *API) DecryptExternalKey(
	ctx context.Context,
	algorithm SymmetricEncryptionAlgorithm,
	key, nonce, ciphertext, aad, tag *models.Buffer,
) (models.RequestID, error) {
	switch algorithm {
	case ChaCha20Poly1305:
		return a.issue(ctx, func(id models.RequestID, l []*models.Lease) models.Request {
			return &models.DecryptChaChaPolyExternalKeyRequest{
				RequestID: id, Key: l[0], Nonce: l[1], Ciphertext: l[2], AAD: l[3], Tag: l[4],
			}
		}, key, nonce, ciphertext, aad, tag)
	}
	return 0, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, algorithm)
}

// issue leases bufs, allocates the next id and makes one send attempt.
// On a send failure the id stays consumed, is returned alongside an error
// wrapping models.ErrSend, and will never produce a response.
func (a *API) issue(
	ctx context.Context,
	build func(models.RequestID, []*models.Lease) models.Request,
	bufs ...*models.Buffer,
) (models.RequestID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.exhausted {
		return 0, models.ErrRequestIDsExhausted
	}

	leases, err := models.AcquireAll(bufs...)
	if err != nil {
		return 0, err
	}

	id := a.nextRequestID()
	if err := a.requests.Send(ctx, build(id, leases)); err != nil {
		models.ReleaseAll(leases...)
		return id, fmt.Errorf("%w: request %d: %v", models.ErrSend, id, err)
	}
	return id, nil
}

// nextRequestID post-increments the counter. The last representable id is
// handed out once; after that the API refuses to issue instead of wrapping.
func (a *API) nextRequestID() models.RequestID {
	id := a.requestCounter
	if id == math.MaxUint64 {
		a.exhausted = true
	} else {
		a.requestCounter++
	}
	return id
}
