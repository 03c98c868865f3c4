package middletier

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// CredentialProvider supplies the auth header used to dial the upstream
// realtime endpoint. Implementations must be safe for concurrent use: the
// same provider is shared across every session a Server handles.
type CredentialProvider interface {
	// Apply sets whatever header(s) the upstream expects on req.
	Apply(ctx context.Context, req *http.Header) error
}

// StaticKeyCredential applies a fixed `api-key` header, matching the
// AzureKeyCredential path of the upstream SDK.
type StaticKeyCredential struct {
	Key string
}

// Apply implements CredentialProvider.
func (c StaticKeyCredential) Apply(_ context.Context, req *http.Header) error {
	if c.Key == "" {
		return fmt.Errorf("middletier: static credential has no key")
	}
	req.Set("api-key", c.Key)
	return nil
}

// OAuthCredential wraps an OAuth2 client-credentials grant behind
// CredentialProvider, the closest ecosystem equivalent available to the
// upstream SDK's bearer-token-provider warmup: golang.org/x/oauth2 caches
// and refreshes the token transparently via TokenSource. Refreshes use the
// ctx passed to NewOAuthCredential.
type OAuthCredential struct {
	tokens oauth2.TokenSource
}

// NewOAuthCredential builds an OAuthCredential and performs one token fetch
// immediately to warm the cache and fail fast on misconfiguration, matching
// the "Credential provider warmup" design note.
func NewOAuthCredential(ctx context.Context, tenantID, clientID, clientSecret, tokenURL string, scopes []string) (*OAuthCredential, error) {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	tokens := cfg.TokenSource(ctx)
	if _, err := tokens.Token(); err != nil {
		return nil, fmt.Errorf("middletier: oauth credential warmup for tenant %s: %w", tenantID, err)
	}
	return &OAuthCredential{tokens: tokens}, nil
}

// Apply implements CredentialProvider.
func (c *OAuthCredential) Apply(_ context.Context, req *http.Header) error {
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("middletier: refreshing oauth token: %w", err)
	}
	req.Set("Authorization", "Bearer "+token.AccessToken)
	return nil
}
