package hsm_server

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/verifiable-state-chains/hsmcore/hsm_client"
	"github.com/verifiable-state-chains/hsmcore/keystore"
	"github.com/verifiable-state-chains/hsmcore/models"
	"github.com/verifiable-state-chains/hsmcore/rng"
)

type gateway struct {
	url   string
	token string
	keys  keystore.Store
}

// startGateway runs a core, a mux and the HTTP gateway for one test
func startGateway(t *testing.T, cfg CoreConfig) *gateway {
	t.Helper()
	return startGatewayWith(t, cfg, ServerConfig{})
}

func startGatewayWith(t *testing.T, cfg CoreConfig, serverCfg ServerConfig) *gateway {
	t.Helper()
	cfg.Logger = discard
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 8
	}
	keys := keystore.NewMemoryStore()
	core := NewCore(cfg, keys, rng.SystemEntropy{})
	mux := hsm_client.NewMux(core.API(), discard)

	ctx, cancel := context.WithCancel(context.Background())
	coreDone := make(chan struct{})
	go func() {
		core.Run(ctx)
		close(coreDone)
	}()
	go mux.Run(ctx)

	auth := newTestAuthenticator(t)
	serverCfg.RequestTimeout = 2 * time.Second
	serverCfg.Logger = discard
	server := NewHSMServer(serverCfg, mux, keys, auth)
	ts := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		ts.Close()
		core.Close()
		select {
		case <-coreDone:
		case <-time.After(5 * time.Second):
			t.Error("Core did not stop")
		}
		cancel()
	})

	token, _, err := auth.IssueToken("tester")
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return &gateway{url: ts.URL, token: token, keys: keys}
}

// call sends body as JSON and decodes the reply into out
func (g *gateway) call(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("Failed to encode request: %v", err)
		}
	}
	req, err := http.NewRequest(method, g.url+path, &payload)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestGatewayHealthAndToken(t *testing.T) {
	g := startGateway(t, CoreConfig{})
	g.token = ""

	var health statusResponse
	if code := g.call(t, http.MethodGet, "/health", nil, &health); code != http.StatusOK || !health.Success {
		t.Fatalf("Health got %d %+v", code, health)
	}

	var bad TokenResponse
	if code := g.call(t, http.MethodPost, "/token", TokenRequest{ClientID: "tester", ClientSecret: "nope"}, &bad); code != http.StatusUnauthorized {
		t.Errorf("Bad credentials got %d, want 401", code)
	}

	var good TokenResponse
	if code := g.call(t, http.MethodPost, "/token", TokenRequest{ClientID: "tester", ClientSecret: "s3cret"}, &good); code != http.StatusOK {
		t.Fatalf("Token got %d: %s", code, good.Error)
	}
	if good.Token == "" {
		t.Fatal("Expected a token")
	}

	var random RandomResponse
	if code := g.call(t, http.MethodPost, "/random", RandomRequest{Size: 8}, &random); code != http.StatusUnauthorized {
		t.Errorf("Unauthenticated random got %d, want 401", code)
	}
	g.token = good.Token
	if code := g.call(t, http.MethodPost, "/random", RandomRequest{Size: 8}, &random); code != http.StatusOK {
		t.Errorf("Authenticated random got %d: %s", code, random.Error)
	}
}

func TestGatewayRandom(t *testing.T) {
	g := startGateway(t, CoreConfig{MaxRandomSize: 32})

	var resp RandomResponse
	if code := g.call(t, http.MethodPost, "/random", RandomRequest{Size: 16}, &resp); code != http.StatusOK {
		t.Fatalf("Random got %d: %s", code, resp.Error)
	}
	if len(resp.Data) != 16 {
		t.Errorf("Length got %d, want 16", len(resp.Data))
	}

	var tooLarge RandomResponse
	if code := g.call(t, http.MethodPost, "/random", RandomRequest{Size: 64}, &tooLarge); code != http.StatusBadRequest {
		t.Errorf("Oversized random got %d, want 400", code)
	}
	if tooLarge.RequestID != resp.RequestID+1 {
		t.Errorf("RequestID got %d, want %d", tooLarge.RequestID, resp.RequestID+1)
	}

	var zero RandomResponse
	if code := g.call(t, http.MethodPost, "/random", RandomRequest{Size: 0}, &zero); code != http.StatusBadRequest {
		t.Errorf("Zero size got %d, want 400", code)
	}

	if code := g.call(t, http.MethodGet, "/random", nil, nil); code != http.StatusMethodNotAllowed {
		t.Errorf("GET random got %d, want 405", code)
	}
}

func TestGatewayRejectsOversizedRandomBeforeAllocating(t *testing.T) {
	g := startGatewayWith(t, CoreConfig{MaxRandomSize: 32}, ServerConfig{MaxRandomSize: 32})

	for _, size := range []int{math.MaxInt, 1 << 30, 32} {
		var resp RandomResponse
		if code := g.call(t, http.MethodPost, "/random", RandomRequest{Size: size}, &resp); code != http.StatusBadRequest {
			t.Errorf("Size %d got %d, want 400", size, code)
		}
		if resp.Success {
			t.Errorf("Size %d should fail", size)
		}
	}

	// Rejected sizes never reached the core, so no request id was used
	var ok RandomResponse
	if code := g.call(t, http.MethodPost, "/random", RandomRequest{Size: 31}, &ok); code != http.StatusOK {
		t.Fatalf("Random got %d: %s", code, ok.Error)
	}
	if ok.RequestID != 0 {
		t.Errorf("RequestID got %d, want 0", ok.RequestID)
	}
	if len(ok.Data) != 31 {
		t.Errorf("Length got %d, want 31", len(ok.Data))
	}
}

func TestShutdownStopsStart(t *testing.T) {
	newServer := func() *HSMServer {
		return NewHSMServer(ServerConfig{Port: 0, Logger: discard}, nil, keystore.NewMemoryStore(), newTestAuthenticator(t))
	}
	waitStart := func(t *testing.T, done <-chan error) {
		t.Helper()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Start still serving after Shutdown")
		}
	}

	t.Run("before start", func(t *testing.T) {
		server := newServer()
		if err := server.Shutdown(context.Background()); err != nil {
			t.Fatalf("Failed to shut down: %v", err)
		}
		done := make(chan error, 1)
		go func() { done <- server.Start() }()
		waitStart(t, done)
	})

	t.Run("concurrent", func(t *testing.T) {
		server := newServer()
		done := make(chan error, 1)
		go func() { done <- server.Start() }()
		if err := server.Shutdown(context.Background()); err != nil {
			t.Fatalf("Failed to shut down: %v", err)
		}
		waitStart(t, done)
	})
}

func TestGatewayStoredKeyRoundTrip(t *testing.T) {
	g := startGateway(t, CoreConfig{})
	key := bytes.Repeat([]byte{0x11}, chacha20poly1305.KeySize)
	nonce := bytes.Repeat([]byte{0x22}, chacha20poly1305.NonceSize)
	message := []byte("ledger entry 42")
	aad := []byte("v1")

	var imported ImportKeyResponse
	if code := g.call(t, http.MethodPost, "/import_key", ImportKeyRequest{KeyID: 3, Key: key}, &imported); code != http.StatusOK {
		t.Fatalf("Import got %d: %s", code, imported.Error)
	}

	keyID := uint32(3)
	var enc EncryptResponse
	if code := g.call(t, http.MethodPost, "/encrypt", EncryptRequest{KeyID: &keyID, Nonce: nonce, Plaintext: message, AAD: aad}, &enc); code != http.StatusOK {
		t.Fatalf("Encrypt got %d: %s", code, enc.Error)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		t.Fatalf("Failed to create reference cipher: %v", err)
	}
	want := aead.Seal(nil, nonce, message, aad)
	if !bytes.Equal(append(enc.Ciphertext, enc.Tag...), want) {
		t.Error("Ciphertext and tag differ from reference Seal")
	}

	var dec DecryptResponse
	if code := g.call(t, http.MethodPost, "/decrypt", DecryptRequest{KeyID: &keyID, Nonce: nonce, Ciphertext: enc.Ciphertext, AAD: aad, Tag: enc.Tag}, &dec); code != http.StatusOK {
		t.Fatalf("Decrypt got %d: %s", code, dec.Error)
	}
	if !bytes.Equal(dec.Plaintext, message) {
		t.Errorf("Plaintext got %q, want %q", dec.Plaintext, message)
	}

	tampered := append([]byte(nil), enc.Tag...)
	tampered[0] ^= 1
	var bad DecryptResponse
	if code := g.call(t, http.MethodPost, "/decrypt", DecryptRequest{KeyID: &keyID, Nonce: nonce, Ciphertext: enc.Ciphertext, AAD: aad, Tag: tampered}, &bad); code != http.StatusUnprocessableEntity {
		t.Errorf("Tampered tag got %d, want 422", code)
	}
}

func TestGatewayExternalKeyAndErrors(t *testing.T) {
	g := startGateway(t, CoreConfig{})
	key := bytes.Repeat([]byte{0x33}, chacha20poly1305.KeySize)
	nonce := make([]byte, chacha20poly1305.NonceSize)

	var enc EncryptResponse
	if code := g.call(t, http.MethodPost, "/encrypt", EncryptRequest{Key: key, Nonce: nonce, Plaintext: []byte("hi")}, &enc); code != http.StatusOK {
		t.Fatalf("Encrypt got %d: %s", code, enc.Error)
	}
	var dec DecryptResponse
	if code := g.call(t, http.MethodPost, "/decrypt", DecryptRequest{Key: key, Nonce: nonce, Ciphertext: enc.Ciphertext, Tag: enc.Tag}, &dec); code != http.StatusOK {
		t.Fatalf("Decrypt got %d: %s", code, dec.Error)
	}
	if string(dec.Plaintext) != "hi" {
		t.Errorf("Plaintext got %q, want hi", dec.Plaintext)
	}

	missing := uint32(404)
	tests := []struct {
		name string
		req  EncryptRequest
		want int
	}{
		{"unknown key", EncryptRequest{KeyID: &missing, Nonce: nonce, Plaintext: []byte("x")}, http.StatusNotFound},
		{"short nonce", EncryptRequest{Key: key, Nonce: nonce[:4], Plaintext: []byte("x")}, http.StatusBadRequest},
		{"short key", EncryptRequest{Key: key[:8], Nonce: nonce, Plaintext: []byte("x")}, http.StatusBadRequest},
		{"no key", EncryptRequest{Nonce: nonce, Plaintext: []byte("x")}, http.StatusBadRequest},
		{"algorithm", EncryptRequest{Algorithm: "aes-gcm", Key: key, Nonce: nonce}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp EncryptResponse
			if code := g.call(t, http.MethodPost, "/encrypt", tt.req, &resp); code != tt.want {
				t.Errorf("Status got %d, want %d (%s)", code, tt.want, resp.Error)
			}
			if resp.Success {
				t.Error("Expected failure")
			}
		})
	}
}

func TestGatewayListAndDeleteKeys(t *testing.T) {
	g := startGateway(t, CoreConfig{})
	ctx := context.Background()
	for _, id := range []models.KeyID{9, 2} {
		if err := g.keys.Import(ctx, id, make([]byte, 32)); err != nil {
			t.Fatalf("Failed to import key: %v", err)
		}
	}

	var list ListKeysResponse
	if code := g.call(t, http.MethodGet, "/list_keys", nil, &list); code != http.StatusOK {
		t.Fatalf("List got %d: %s", code, list.Error)
	}
	if list.Count != 2 || list.Keys[0] != 2 || list.Keys[1] != 9 {
		t.Errorf("Keys got %v, want [2 9]", list.Keys)
	}

	var deleted statusResponse
	if code := g.call(t, http.MethodPost, "/delete_key", DeleteKeyRequest{KeyID: 2}, &deleted); code != http.StatusOK {
		t.Fatalf("Delete got %d: %s", code, deleted.Error)
	}
	if code := g.call(t, http.MethodPost, "/delete_key", DeleteKeyRequest{KeyID: 2}, &deleted); code != http.StatusNotFound {
		t.Errorf("Second delete got %d, want 404", code)
	}
	if _, err := g.keys.Get(ctx, 2); err == nil {
		t.Error("Deleted key is still stored")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&models.ErrorResponse{RequestID: 1, Err: models.ErrKeyNotFound}, http.StatusNotFound},
		{&models.ErrorResponse{RequestID: 1, Err: models.ErrAuthenticationFailed}, http.StatusUnprocessableEntity},
		{&models.ErrorResponse{RequestID: 1, Err: models.ErrEntropySource}, http.StatusInternalServerError},
		{models.ErrRequestIDsExhausted, http.StatusServiceUnavailable},
		{models.ErrBufferInUse, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{hsm_client.ErrNoMoreResponses, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) got %d, want %d", tt.err, got, tt.want)
		}
	}
}
