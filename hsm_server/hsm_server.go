// Package hsm_server runs the HSM core and exposes it over HTTP.
package hsm_server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/verifiable-state-chains/hsmcore/hsm_client"
	"github.com/verifiable-state-chains/hsmcore/keystore"
	"github.com/verifiable-state-chains/hsmcore/models"
	"github.com/verifiable-state-chains/hsmcore/workers"
)

// DefaultRequestTimeout bounds how long a handler waits for a worker
const DefaultRequestTimeout = 5 * time.Second

// ServerConfig configures the HTTP gateway
type ServerConfig struct {
	Port           int
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	MaxRandomSize  int // exclusive bound on /random size, matching the RNG worker
	Logger         *log.Logger
}

// HSMServer serves HSM operations over HTTP/JSON. Cryptographic operations
// go through the core; key listing and deletion go to the key store directly.
type HSMServer struct {
	mux     *hsm_client.Mux
	keys    keystore.Store
	auth    *Authenticator
	timeout time.Duration
	maxBody int64
	maxRand int
	logger  *log.Logger
	server  *http.Server
}

// TokenRequest carries client credentials
type TokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// TokenResponse carries an issued bearer token
type TokenResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// RandomRequest asks for Size random bytes
type RandomRequest struct {
	Size int `json:"size"`
}

// RandomResponse carries random bytes
type RandomResponse struct {
	Success   bool   `json:"success"`
	RequestID uint64 `json:"request_id"`
	Data      []byte `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ImportKeyRequest stores Key under KeyID
type ImportKeyRequest struct {
	KeyID uint32 `json:"key_id"`
	Key   []byte `json:"key"`
}

// ImportKeyResponse reports the outcome of a key import
type ImportKeyResponse struct {
	Success   bool   `json:"success"`
	RequestID uint64 `json:"request_id"`
	KeyID     uint32 `json:"key_id"`
	Error     string `json:"error,omitempty"`
}

// EncryptRequest encrypts Plaintext with the stored key KeyID, or with Key
// when it is set
type EncryptRequest struct {
	Algorithm string  `json:"algorithm,omitempty"`
	KeyID     *uint32 `json:"key_id,omitempty"`
	Key       []byte  `json:"key,omitempty"`
	Nonce     []byte  `json:"nonce"`
	Plaintext []byte  `json:"plaintext"`
	AAD       []byte  `json:"aad,omitempty"`
}

// EncryptResponse carries ciphertext and tag
type EncryptResponse struct {
	Success    bool   `json:"success"`
	RequestID  uint64 `json:"request_id"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	Tag        []byte `json:"tag,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DecryptRequest decrypts Ciphertext with the stored key KeyID, or with Key
// when it is set
type DecryptRequest struct {
	Algorithm  string  `json:"algorithm,omitempty"`
	KeyID      *uint32 `json:"key_id,omitempty"`
	Key        []byte  `json:"key,omitempty"`
	Nonce      []byte  `json:"nonce"`
	Ciphertext []byte  `json:"ciphertext"`
	AAD        []byte  `json:"aad,omitempty"`
	Tag        []byte  `json:"tag"`
}

// DecryptResponse carries plaintext
type DecryptResponse struct {
	Success   bool   `json:"success"`
	RequestID uint64 `json:"request_id"`
	Plaintext []byte `json:"plaintext,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ListKeysResponse lists stored key ids
type ListKeysResponse struct {
	Success bool     `json:"success"`
	Keys    []uint32 `json:"keys"`
	Count   int      `json:"count"`
	Error   string   `json:"error,omitempty"`
}

// DeleteKeyRequest removes a stored key
type DeleteKeyRequest struct {
	KeyID uint32 `json:"key_id"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewHSMServer creates the gateway. mux must be running.
func NewHSMServer(cfg ServerConfig, mux *hsm_client.Mux, keys keystore.Store, auth *Authenticator) *HSMServer {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	maxRand := cfg.MaxRandomSize
	if maxRand <= 0 {
		maxRand = workers.DefaultMaxRandomSize
	}
	s := &HSMServer{
		mux:     mux,
		keys:    keys,
		auth:    auth,
		timeout: timeout,
		maxBody: maxBody,
		maxRand: maxRand,
		logger:  logger,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed HTTP handler
func (s *HSMServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/random", s.auth.Require(s.handleRandom))
	mux.HandleFunc("/import_key", s.auth.Require(s.handleImportKey))
	mux.HandleFunc("/encrypt", s.auth.Require(s.handleEncrypt))
	mux.HandleFunc("/decrypt", s.auth.Require(s.handleDecrypt))
	mux.HandleFunc("/list_keys", s.auth.Require(s.handleListKeys))
	mux.HandleFunc("/delete_key", s.auth.Require(s.handleDeleteKey))

	return mux
}

// Start serves HTTP until Shutdown is called. After Shutdown it returns nil
// immediately.
func (s *HSMServer) Start() error {
	s.logger.Printf("HSM Server starting on %s", s.server.Addr)
	s.logger.Printf("Endpoints:")
	s.logger.Printf("  POST   /token       - Exchange client credentials for a bearer token")
	s.logger.Printf("  POST   /random      - Generate random bytes")
	s.logger.Printf("  POST   /import_key  - Import a symmetric key")
	s.logger.Printf("  POST   /encrypt     - Encrypt with ChaCha20-Poly1305")
	s.logger.Printf("  POST   /decrypt     - Decrypt with ChaCha20-Poly1305")
	s.logger.Printf("  GET    /list_keys   - List stored key ids")
	s.logger.Printf("  POST   /delete_key  - Delete a stored key")
	s.logger.Printf("  GET    /health      - Health check")

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully. A later Start does not serve.
func (s *HSMServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HSMServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: "ok"})
}

func (s *HSMServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req TokenRequest
	if !s.decode(w, r, &req) {
		return
	}

	token, expires, err := s.auth.Login(req.ClientID, req.ClientSecret)
	if errors.Is(err, ErrInvalidCredentials) {
		s.logger.Printf("[WARNING] rejected token request for client %q", req.ClientID)
		writeJSON(w, http.StatusUnauthorized, TokenResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, TokenResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Success: true, Token: token, ExpiresAt: expires})
}

func (s *HSMServer) handleRandom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RandomRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Size <= 0 {
		writeJSON(w, http.StatusBadRequest, RandomResponse{Error: "size must be positive"})
		return
	}
	if req.Size >= s.maxRand {
		writeJSON(w, http.StatusBadRequest, RandomResponse{
			Error: fmt.Sprintf("size must be less than %d", s.maxRand),
		})
		return
	}

	output := models.NewBuffer(make([]byte, req.Size))
	resp, err := s.do(r.Context(), func(ctx context.Context, api *hsm_client.API) (models.RequestID, error) {
		return api.GetRandom(ctx, output)
	})
	if err != nil {
		writeJSON(w, statusFor(err), RandomResponse{RequestID: requestIDOf(resp), Error: err.Error()})
		return
	}

	random, ok := resp.(*models.GetRandomResponse)
	if !ok {
		s.unexpected(w, resp)
		return
	}
	data, err := random.Data.Bytes()
	if err != nil {
		writeJSON(w, statusFor(err), RandomResponse{RequestID: uint64(resp.ID()), Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, RandomResponse{Success: true, RequestID: uint64(resp.ID()), Data: data})
}

func (s *HSMServer) handleImportKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ImportKeyRequest
	if !s.decode(w, r, &req) {
		return
	}

	data := models.NewBuffer(req.Key)
	resp, err := s.do(r.Context(), func(ctx context.Context, api *hsm_client.API) (models.RequestID, error) {
		return api.ImportKey(ctx, models.KeyID(req.KeyID), data)
	})
	if err != nil {
		writeJSON(w, statusFor(err), ImportKeyResponse{RequestID: requestIDOf(resp), KeyID: req.KeyID, Error: err.Error()})
		return
	}
	if _, ok := resp.(*models.ImportKeyResponse); !ok {
		s.unexpected(w, resp)
		return
	}

	s.logger.Printf("[INFO] imported key %d (%d bytes)", req.KeyID, len(req.Key))
	writeJSON(w, http.StatusOK, ImportKeyResponse{Success: true, RequestID: uint64(resp.ID()), KeyID: req.KeyID})
}

func (s *HSMServer) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EncryptRequest
	if !s.decode(w, r, &req) {
		return
	}
	alg, err := parseAlgorithm(req.Algorithm)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, EncryptResponse{Error: err.Error()})
		return
	}
	if req.KeyID == nil && req.Key == nil {
		writeJSON(w, http.StatusBadRequest, EncryptResponse{Error: "key_id or key is required"})
		return
	}

	nonce := models.NewBuffer(req.Nonce)
	plaintext := models.NewBuffer(req.Plaintext)
	aad := models.NewBuffer(req.AAD)
	tag := models.NewBuffer(make([]byte, tagSize(alg)))

	resp, err := s.do(r.Context(), func(ctx context.Context, api *hsm_client.API) (models.RequestID, error) {
		if req.KeyID != nil {
			return api.Encrypt(ctx, alg, models.KeyID(*req.KeyID), nonce, plaintext, aad, tag)
		}
		return api.EncryptExternalKey(ctx, alg, models.NewBuffer(req.Key), nonce, plaintext, aad, tag)
	})
	if err != nil {
		writeJSON(w, statusFor(err), EncryptResponse{RequestID: requestIDOf(resp), Error: err.Error()})
		return
	}

	enc, ok := resp.(*models.EncryptChaChaPolyResponse)
	if !ok {
		s.unexpected(w, resp)
		return
	}
	ciphertext, err := enc.Ciphertext.Bytes()
	if err == nil {
		var tagBytes []byte
		if tagBytes, err = enc.Tag.Bytes(); err == nil {
			writeJSON(w, http.StatusOK, EncryptResponse{
				Success:    true,
				RequestID:  uint64(resp.ID()),
				Ciphertext: ciphertext,
				Tag:        tagBytes,
			})
			return
		}
	}
	writeJSON(w, statusFor(err), EncryptResponse{RequestID: uint64(resp.ID()), Error: err.Error()})
}

func (s *HSMServer) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DecryptRequest
	if !s.decode(w, r, &req) {
		return
	}
	alg, err := parseAlgorithm(req.Algorithm)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, DecryptResponse{Error: err.Error()})
		return
	}
	if req.KeyID == nil && req.Key == nil {
		writeJSON(w, http.StatusBadRequest, DecryptResponse{Error: "key_id or key is required"})
		return
	}

	nonce := models.NewBuffer(req.Nonce)
	ciphertext := models.NewBuffer(req.Ciphertext)
	aad := models.NewBuffer(req.AAD)
	tag := models.NewBuffer(req.Tag)

	resp, err := s.do(r.Context(), func(ctx context.Context, api *hsm_client.API) (models.RequestID, error) {
		if req.KeyID != nil {
			return api.Decrypt(ctx, alg, models.KeyID(*req.KeyID), nonce, ciphertext, aad, tag)
		}
		return api.DecryptExternalKey(ctx, alg, models.NewBuffer(req.Key), nonce, ciphertext, aad, tag)
	})
	if err != nil {
		writeJSON(w, statusFor(err), DecryptResponse{RequestID: requestIDOf(resp), Error: err.Error()})
		return
	}

	dec, ok := resp.(*models.DecryptChaChaPolyResponse)
	if !ok {
		s.unexpected(w, resp)
		return
	}
	plaintext, err := dec.Plaintext.Bytes()
	if err != nil {
		writeJSON(w, statusFor(err), DecryptResponse{RequestID: uint64(resp.ID()), Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, DecryptResponse{Success: true, RequestID: uint64(resp.ID()), Plaintext: plaintext})
}

func (s *HSMServer) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ids, err := s.keys.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ListKeysResponse{Error: fmt.Sprintf("Failed to list keys: %v", err)})
		return
	}
	keys := make([]uint32, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, uint32(id))
	}
	writeJSON(w, http.StatusOK, ListKeysResponse{Success: true, Keys: keys, Count: len(keys)})
}

func (s *HSMServer) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DeleteKeyRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.keys.Delete(r.Context(), models.KeyID(req.KeyID))
	if errors.Is(err, keystore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, statusResponse{Error: fmt.Sprintf("key %d not found", req.KeyID)})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, statusResponse{Error: fmt.Sprintf("Failed to delete key: %v", err)})
		return
	}

	s.logger.Printf("[INFO] deleted key %d", req.KeyID)
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: fmt.Sprintf("key %d deleted", req.KeyID)})
}

// do issues through the mux and waits at most the request timeout. An
// ErrorResponse is returned together with itself as the error.
func (s *HSMServer) do(ctx context.Context, issue func(ctx context.Context, api *hsm_client.API) (models.RequestID, error)) (models.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.mux.Do(ctx, issue)
	if err != nil {
		s.logger.Printf("[WARNING] request failed: %v", err)
		return nil, err
	}
	if errResp, ok := resp.(*models.ErrorResponse); ok {
		return resp, errResp
	}
	return resp, nil
}

func (s *HSMServer) unexpected(w http.ResponseWriter, resp models.Response) {
	s.logger.Printf("[WARNING] unexpected response %T for request %d", resp, resp.ID())
	writeError(w, http.StatusInternalServerError, fmt.Sprintf("unexpected response %T", resp))
}

func (s *HSMServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return false
	}
	return true
}

// statusFor maps core errors onto HTTP status codes
func statusFor(err error) int {
	var code models.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, hsm_client.ErrUnsupportedAlgorithm):
		return http.StatusBadRequest
	case errors.Is(err, hsm_client.ErrNoMoreResponses):
		return http.StatusServiceUnavailable
	case errors.As(err, &code):
	default:
		return http.StatusInternalServerError
	}

	switch code {
	case models.ErrRequestTooLarge, models.ErrInvalidKeySize, models.ErrInvalidNonceSize, models.ErrInvalidTagSize:
		return http.StatusBadRequest
	case models.ErrKeyNotFound:
		return http.StatusNotFound
	case models.ErrAuthenticationFailed:
		return http.StatusUnprocessableEntity
	case models.ErrBufferInUse:
		return http.StatusConflict
	case models.ErrSend, models.ErrRequestIDsExhausted:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func parseAlgorithm(name string) (hsm_client.SymmetricEncryptionAlgorithm, error) {
	if name == "" {
		return hsm_client.ChaCha20Poly1305, nil
	}
	return hsm_client.ParseAlgorithm(name)
}

func tagSize(alg hsm_client.SymmetricEncryptionAlgorithm) int {
	switch alg {
	case hsm_client.ChaCha20Poly1305:
		return 16
	}
	return 0
}

func requestIDOf(resp models.Response) uint64 {
	if resp == nil {
		return 0
	}
	return uint64(resp.ID())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, statusResponse{Success: false, Error: msg})
}
