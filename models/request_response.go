package models

import "fmt"

// Request/Response envelope exchanged between the API and the HSM workers

// RequestID correlates a response with the request that produced it.
// It is opaque to workers and echoed back unchanged.
type RequestID uint64

// KeyID identifies key material in the key store
type KeyID uint32

// Kind identifies a request variant
type Kind int

const (
	KindGetRandom Kind = iota + 1
	KindImportKey
	KindEncryptChaChaPoly
	KindEncryptChaChaPolyExternalKey
	KindDecryptChaChaPoly
	KindDecryptChaChaPolyExternalKey
)

var kindNames = map[Kind]string{
	KindGetRandom:                    "get_random",
	KindImportKey:                    "import_key",
	KindEncryptChaChaPoly:            "encrypt_chachapoly",
	KindEncryptChaChaPolyExternalKey: "encrypt_chachapoly_external_key",
	KindDecryptChaChaPoly:            "decrypt_chachapoly",
	KindDecryptChaChaPolyExternalKey: "decrypt_chachapoly_external_key",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Request is one of the request variants below
type Request interface {
	// ID returns the correlation id assigned by the issuing API
	ID() RequestID
	// Kind returns the variant tag used for routing
	Kind() Kind
	// Leases returns every buffer lease the request holds
	Leases() []*Lease
	isRequest()
}

// GetRandomRequest asks for Output to be filled with random bytes
type GetRandomRequest struct {
	RequestID RequestID
	Output    *Lease
}

// ImportKeyRequest asks for Data to be stored under KeyID
type ImportKeyRequest struct {
	RequestID RequestID
	KeyID     KeyID
	Data      *Lease
}

// EncryptChaChaPolyRequest encrypts Plaintext in place with a stored key
// and writes the authentication tag into Tag
type EncryptChaChaPolyRequest struct {
	RequestID RequestID
	KeyID     KeyID
	Nonce     *Lease
	Plaintext *Lease
	AAD       *Lease
	Tag       *Lease
}

// EncryptChaChaPolyExternalKeyRequest is EncryptChaChaPolyRequest with a caller-supplied key
type EncryptChaChaPolyExternalKeyRequest struct {
	RequestID RequestID
	Key       *Lease
	Nonce     *Lease
	Plaintext *Lease
	AAD       *Lease
	Tag       *Lease
}

// DecryptChaChaPolyRequest verifies Tag and decrypts Ciphertext in place with a stored key
type DecryptChaChaPolyRequest struct {
	RequestID  RequestID
	KeyID      KeyID
	Nonce      *Lease
	Ciphertext *Lease
	AAD        *Lease
	Tag        *Lease
}

// DecryptChaChaPolyExternalKeyRequest is DecryptChaChaPolyRequest with a caller-supplied key
type DecryptChaChaPolyExternalKeyRequest struct {
	RequestID  RequestID
	Key        *Lease
	Nonce      *Lease
	Ciphertext *Lease
	AAD        *Lease
	Tag        *Lease
}

func (r *GetRandomRequest) ID() RequestID { return r.RequestID }
func (r *GetRandomRequest) Kind() Kind    { return KindGetRandom }
func (r *GetRandomRequest) Leases() []*Lease {
	return []*Lease{r.Output}
}
func (*GetRandomRequest) isRequest() {}

func (r *ImportKeyRequest) ID() RequestID { return r.RequestID }
func (r *ImportKeyRequest) Kind() Kind    { return KindImportKey }
func (r *ImportKeyRequest) Leases() []*Lease {
	return []*Lease{r.Data}
}
func (*ImportKeyRequest) isRequest() {}

func (r *EncryptChaChaPolyRequest) ID() RequestID { return r.RequestID }
func (r *EncryptChaChaPolyRequest) Kind() Kind    { return KindEncryptChaChaPoly }
func (r *EncryptChaChaPolyRequest) Leases() []*Lease {
	return []*Lease{r.Nonce, r.Plaintext, r.AAD, r.Tag}
}
func (*EncryptChaChaPolyRequest) isRequest() {}

func (r *EncryptChaChaPolyExternalKeyRequest) ID() RequestID { return r.RequestID }
func (r *EncryptChaChaPolyExternalKeyRequest) Kind() Kind {
	return KindEncryptChaChaPolyExternalKey
}
func (r *EncryptChaChaPolyExternalKeyRequest) Leases() []*Lease {
	return []*Lease{r.Key, r.Nonce, r.Plaintext, r.AAD, r.Tag}
}
func (*EncryptChaChaPolyExternalKeyRequest) isRequest() {}

func (r *DecryptChaChaPolyRequest) ID() RequestID { return r.RequestID }
func (r *DecryptChaChaPolyRequest) Kind() Kind    { return KindDecryptChaChaPoly }
func (r *DecryptChaChaPolyRequest) Leases() []*Lease {
	return []*Lease{r.Nonce, r.Ciphertext, r.AAD, r.Tag}
}
func (*DecryptChaChaPolyRequest) isRequest() {}

func (r *DecryptChaChaPolyExternalKeyRequest) ID() RequestID { return r.RequestID }
func (r *DecryptChaChaPolyExternalKeyRequest) Kind() Kind {
	return KindDecryptChaChaPolyExternalKey
}
func (r *DecryptChaChaPolyExternalKeyRequest) Leases() []*Lease {
	return []*Lease{r.Key, r.Nonce, r.Ciphertext, r.AAD, r.Tag}
}
func (*DecryptChaChaPolyExternalKeyRequest) isRequest() {}

// Response is one of the response variants below
type Response interface {
	// ID returns the id of the request this response answers
	ID() RequestID
	isResponse()
}

// GetRandomResponse returns the caller's buffer, now filled
type GetRandomResponse struct {
	RequestID RequestID
	Data      *Buffer
}

// ImportKeyResponse confirms a key import
type ImportKeyResponse struct {
	RequestID RequestID
}

// EncryptChaChaPolyResponse returns the caller's buffers holding ciphertext and tag
type EncryptChaChaPolyResponse struct {
	RequestID  RequestID
	Ciphertext *Buffer
	Tag        *Buffer
}

// DecryptChaChaPolyResponse returns the caller's buffer holding the plaintext
type DecryptChaChaPolyResponse struct {
	RequestID RequestID
	Plaintext *Buffer
}

// ErrorResponse reports a rejected or failed request while keeping correlation
type ErrorResponse struct {
	RequestID RequestID
	Err       Error
}

func (r *GetRandomResponse) ID() RequestID         { return r.RequestID }
func (*GetRandomResponse) isResponse()             {}
func (r *ImportKeyResponse) ID() RequestID         { return r.RequestID }
func (*ImportKeyResponse) isResponse()             {}
func (r *EncryptChaChaPolyResponse) ID() RequestID { return r.RequestID }
func (*EncryptChaChaPolyResponse) isResponse()     {}
func (r *DecryptChaChaPolyResponse) ID() RequestID { return r.RequestID }
func (*DecryptChaChaPolyResponse) isResponse()     {}
func (r *ErrorResponse) ID() RequestID             { return r.RequestID }
func (*ErrorResponse) isResponse()                 {}

// Error lets an ErrorResponse be returned where an error is expected
func (r *ErrorResponse) Error() string {
	return fmt.Sprintf("request %d: %v", r.RequestID, r.Err)
}

// Unwrap exposes the taxonomy value to errors.Is
func (r *ErrorResponse) Unwrap() error {
	return r.Err
}
