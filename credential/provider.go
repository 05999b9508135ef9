package credential

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/codebroker/codebroker/storage"
)

// ErrUnknownProvider is returned when a record names a provider that is not
// registered.
var ErrUnknownProvider = errors.New("unknown credential provider")

// Provider decrypts a credential record into its payload map. Providers may
// reach external vaults; that I/O is their concern.
type Provider interface {
	// Name is the identifier credential records reference.
	Name() string

	// Decrypt turns the record's secret into a flat payload map
	// (e.g. {"token": "..."} or {"username": "...", "password": "..."}).
	Decrypt(ctx context.Context, record *storage.Credential) (map[string]string, error)
}

// ProviderRegistry holds the providers available to the resolver.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewProviderRegistry creates a registry pre-loaded with the plaintext
// provider.
func NewProviderRegistry() *ProviderRegistry {
	r := &ProviderRegistry{providers: make(map[string]Provider)}
	r.providers["plaintext"] = PlaintextProvider{}
	return r
}

// Register adds a provider. Registering an existing name replaces it.
func (r *ProviderRegistry) Register(p Provider) error {
	if p == nil || p.Name() == "" {
		return fmt.Errorf("credential: provider must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	return nil
}

// Get returns the provider for a name.
func (r *ProviderRegistry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// PlaintextProvider treats the record's secret JSON as the payload map
// itself. Suitable for development and for secrets already protected at the
// storage layer.
type PlaintextProvider struct{}

// Name implements Provider.
func (PlaintextProvider) Name() string { return "plaintext" }

// Decrypt implements Provider.
func (PlaintextProvider) Decrypt(ctx context.Context, record *storage.Credential) (map[string]string, error) {
	var payload map[string]string
	if err := json.Unmarshal(record.SecretJSON, &payload); err != nil {
		return nil, fmt.Errorf("credential: plaintext payload: %w", err)
	}
	return payload, nil
}

// AESGCMProvider decrypts secrets sealed with AES-256-GCM. The secret JSON
// carries base64 nonce and ciphertext; the plaintext is the payload map.
type AESGCMProvider struct {
	aead cipher.AEAD
}

// NewAESGCMProvider creates a provider from a 32-byte key.
func NewAESGCMProvider(key []byte) (*AESGCMProvider, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("credential: aesgcm key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential: aesgcm cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: aesgcm mode: %w", err)
	}
	return &AESGCMProvider{aead: aead}, nil
}

// Name implements Provider.
func (*AESGCMProvider) Name() string { return "aesgcm" }

type sealedSecret struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Decrypt implements Provider.
func (p *AESGCMProvider) Decrypt(ctx context.Context, record *storage.Credential) (map[string]string, error) {
	var sealed sealedSecret
	if err := json.Unmarshal(record.SecretJSON, &sealed); err != nil {
		return nil, fmt.Errorf("credential: aesgcm envelope: %w", err)
	}

	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return nil, fmt.Errorf("credential: aesgcm nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("credential: aesgcm ciphertext: %w", err)
	}

	plaintext, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credential: aesgcm open: %w", err)
	}

	var payload map[string]string
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("credential: aesgcm payload: %w", err)
	}
	return payload, nil
}

// Seal encrypts a payload map for storage, producing the secret JSON the
// provider can later decrypt. Nonce must be unique per secret.
func (p *AESGCMProvider) Seal(payload map[string]string, nonce []byte) (json.RawMessage, error) {
	if len(nonce) != p.aead.NonceSize() {
		return nil, fmt.Errorf("credential: aesgcm nonce must be %d bytes", p.aead.NonceSize())
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ciphertext := p.aead.Seal(nil, nonce, plaintext, nil)
	return json.Marshal(sealedSecret{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
}
