package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"oauthd/jose"
)

// Application types.
const (
	ApplicationTypeWeb    = "web"
	ApplicationTypeNative = "native"
)

// Subject identifier types.
const (
	SubjectTypePublic   = "public"
	SubjectTypePairwise = "pairwise"
)

// ClientMetadata is the registration record for one client: the fields
// the client supplied plus the values the server negotiated. One flat
// struct per wire object; the JSON names are RFC 7591 wire names.
type ClientMetadata struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	RegistrationAccessToken string   `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string   `json:"registration_client_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ApplicationType         string   `json:"application_type,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	Contacts                []string `json:"contacts,omitempty"`
	SubjectType             string   `json:"subject_type,omitempty"`
	SectorIdentifierURI     string   `json:"sector_identifier_uri,omitempty"`

	JWKSURI string       `json:"jwks_uri,omitempty"`
	JWKS    *jose.KeySet `json:"jwks,omitempty"`

	IDTokenSignedResponseAlg    string `json:"id_token_signed_response_alg,omitempty"`
	IDTokenEncryptedResponseAlg string `json:"id_token_encrypted_response_alg,omitempty"`
	IDTokenEncryptedResponseEnc string `json:"id_token_encrypted_response_enc,omitempty"`

	RequireAuthTime bool  `json:"require_auth_time,omitempty"`
	DefaultMaxAge   int64 `json:"default_max_age,omitempty"`
}

// Public reports whether the client cannot hold a secret.
func (c *ClientMetadata) Public() bool {
	return c.ApplicationType == ApplicationTypeNative || c.TokenEndpointAuthMethod == "none"
}

// RedirectAllowed checks redirect URI membership. An empty registered
// list places no restriction.
func (c *ClientMetadata) RedirectAllowed(uri string) bool {
	if len(c.RedirectURIs) == 0 {
		return true
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// GrantAllowed reports whether the client negotiated the grant type. An
// empty list means the registration-time default, authorization_code.
func (c *ClientMetadata) GrantAllowed(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return grantType == GrantAuthorizationCode
	}
	return slices.Contains(c.GrantTypes, grantType)
}

// ScopeAllowed reports whether every requested scope token was granted
// at registration. An empty registered scope places no restriction.
func (c *ClientMetadata) ScopeAllowed(scope string) bool {
	if c.Scope == "" || scope == "" {
		return true
	}
	granted := strings.Fields(c.Scope)
	for _, token := range strings.Fields(scope) {
		if !slices.Contains(granted, token) {
			return false
		}
	}
	return true
}

// SecretMatches compares a presented secret in constant time.
func (c *ClientMetadata) SecretMatches(secret string) bool {
	if c.ClientSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.ClientSecret), []byte(secret)) == 1
}

// EncryptionKey resolves the key an ID Token is encrypted under: the
// client's registered asymmetric key, or a secret-derived symmetric key
// for symmetric algorithms.
func (c *ClientMetadata) EncryptionKey() (jose.Key, error) {
	switch c.IDTokenEncryptedResponseAlg {
	case "":
		return jose.Key{}, errors.New("app: client negotiated no encryption")
	case jose.Direct, jose.A128KW, jose.A192KW, jose.A256KW,
		jose.PBES2HS256, jose.PBES2HS384, jose.PBES2HS512:
		if c.ClientSecret == "" {
			return jose.Key{}, errors.New("app: symmetric encryption needs a client secret")
		}
		return jose.Key{Key: deriveSymmetricKey(c.ClientSecret, c.IDTokenEncryptedResponseAlg, c.IDTokenEncryptedResponseEnc)}, nil
	default:
		if c.JWKS == nil || len(c.JWKS.Keys) == 0 {
			return jose.Key{}, errors.New("app: client registered no keys")
		}
		for _, key := range c.JWKS.Keys {
			if key.Use == "" || key.Use == "enc" {
				return key, nil
			}
		}
		return jose.Key{}, errors.New("app: no encryption key in client JWKS")
	}
}

// ErrClientNotFound reports an unknown client id.
var ErrClientNotFound = errors.New("app: client not found")

// ClientRepository is the client-metadata collaborator. Create must
// reject a reused client id; ids are never recycled across registrations.
type ClientRepository interface {
	Create(ctx context.Context, client *ClientMetadata) error
	Load(ctx context.Context, clientID string) (*ClientMetadata, error)
	Refresh(ctx context.Context, client *ClientMetadata) error
	Remove(ctx context.Context, clientID string) error
}

// MemoryClientRepository is the in-process repository. Deprovisioned ids
// stay tombstoned so they are never reissued.
type MemoryClientRepository struct {
	mu      sync.RWMutex
	clients map[string]*ClientMetadata
	retired map[string]bool
}

// NewMemoryClientRepository builds an empty repository.
func NewMemoryClientRepository() *MemoryClientRepository {
	return &MemoryClientRepository{
		clients: make(map[string]*ClientMetadata),
		retired: make(map[string]bool),
	}
}

// Create stores a new registration.
func (r *MemoryClientRepository) Create(_ context.Context, client *ClientMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[client.ClientID]; exists || r.retired[client.ClientID] {
		return errors.New("app: client id already used")
	}
	copied := *client
	r.clients[client.ClientID] = &copied
	return nil
}

// Load returns the registration for clientID.
func (r *MemoryClientRepository) Load(_ context.Context, clientID string) (*ClientMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	copied := *client
	return &copied, nil
}

// Refresh replaces an existing registration.
func (r *MemoryClientRepository) Refresh(_ context.Context, client *ClientMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[client.ClientID]; !ok {
		return ErrClientNotFound
	}
	copied := *client
	r.clients[client.ClientID] = &copied
	return nil
}

// Remove deletes a registration and tombstones its id.
func (r *MemoryClientRepository) Remove(_ context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; !ok {
		return ErrClientNotFound
	}
	delete(r.clients, clientID)
	r.retired[clientID] = true
	return nil
}

// deriveSymmetricKey stretches the client secret to the key size the
// algorithm needs, per the OIDC symmetric-signature derivation.
func deriveSymmetricKey(secret, alg, enc string) []byte {
	size := 32
	switch alg {
	case jose.A128KW, jose.PBES2HS256:
		size = 16
	case jose.A192KW, jose.PBES2HS384:
		size = 24
	case jose.A256KW, jose.PBES2HS512:
		size = 32
	case jose.Direct:
		switch enc {
		case jose.A128GCM:
			size = 16
		case jose.A192GCM:
			size = 24
		case jose.A256GCM, jose.A128CBCHS256:
			size = 32
		case jose.A192CBCHS384:
			size = 48
		case jose.A256CBCHS512:
			size = 64
		}
	}
	return leftmostHash([]byte(secret), size)
}

// StaticClient is a YAML-configured client provisioned at startup
// alongside dynamic registrations.
type StaticClient struct {
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	RedirectURIs  []string `yaml:"redirect_uris"`
	GrantTypes    []string `yaml:"grant_types"`
	ResponseTypes []string `yaml:"response_types"`
	Scope         string   `yaml:"scope"`
	SubjectType   string   `yaml:"subject_type"`
}

// LoadStaticClients provisions configured clients into the repository.
func LoadStaticClients(ctx context.Context, repo ClientRepository, clients []StaticClient) error {
	for _, sc := range clients {
		client := &ClientMetadata{
			ClientID:                sc.ClientID,
			ClientSecret:            sc.ClientSecret,
			ClientIDIssuedAt:        time.Now().Unix(),
			RedirectURIs:            sc.RedirectURIs,
			GrantTypes:              sc.GrantTypes,
			ResponseTypes:           sc.ResponseTypes,
			Scope:                   sc.Scope,
			SubjectType:             sc.SubjectType,
			ApplicationType:         ApplicationTypeWeb,
			TokenEndpointAuthMethod: "client_secret_basic",
		}
		if sc.ClientSecret == "" {
			client.TokenEndpointAuthMethod = "none"
			client.ApplicationType = ApplicationTypeNative
		}
		if client.SubjectType == "" {
			client.SubjectType = SubjectTypePublic
		}
		if err := repo.Create(ctx, client); err != nil {
			return err
		}
	}
	return nil
}
