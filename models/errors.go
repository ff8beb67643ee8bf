package models

import "fmt"

// Error is the worker/protocol error taxonomy carried by ErrorResponse
// and returned by the API and workers
type Error int

const (
	// ErrSend means the outbound channel rejected a message (closed or faulted)
	ErrSend Error = iota + 1
	// ErrRequestTooLarge means a requested buffer exceeds the worker's limit
	ErrRequestTooLarge
	// ErrUnexpectedRequestKind means a request reached a worker that cannot serve it
	ErrUnexpectedRequestKind
	// ErrKeyNotFound means the key store has no key under the requested id
	ErrKeyNotFound
	// ErrInvalidKeySize means key material has the wrong length
	ErrInvalidKeySize
	// ErrInvalidNonceSize means the nonce has the wrong length
	ErrInvalidNonceSize
	// ErrInvalidTagSize means the tag buffer has the wrong length
	ErrInvalidTagSize
	// ErrAuthenticationFailed means the tag did not match on decryption
	ErrAuthenticationFailed
	// ErrEntropySource means the entropy source failed to deliver
	ErrEntropySource
	// ErrKeyStore means the key store failed for a reason other than not found
	ErrKeyStore
	// ErrBufferInUse means a buffer is already leased to an in-flight request
	ErrBufferInUse
	// ErrRequestIDsExhausted means an API instance has handed out every id it can
	ErrRequestIDsExhausted
)

var errorNames = map[Error]string{
	ErrSend:                  "send failed",
	ErrRequestTooLarge:       "request too large",
	ErrUnexpectedRequestKind: "unexpected request kind",
	ErrKeyNotFound:           "key not found",
	ErrInvalidKeySize:        "invalid key size",
	ErrInvalidNonceSize:      "invalid nonce size",
	ErrInvalidTagSize:        "invalid tag size",
	ErrAuthenticationFailed:  "authentication failed",
	ErrEntropySource:         "entropy source failure",
	ErrKeyStore:              "key store failure",
	ErrBufferInUse:           "buffer in use",
	ErrRequestIDsExhausted:   "request ids exhausted",
}

// Error implements the error interface
func (e Error) Error() string {
	if name, ok := errorNames[e]; ok {
		return name
	}
	return fmt.Sprintf("unknown error %d", int(e))
}

// String returns the same text as Error
func (e Error) String() string {
	return e.Error()
}
