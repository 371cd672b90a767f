package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenEarlyExpiry renews bearer tokens 60 s before they expire.
const tokenEarlyExpiry = 60 * time.Second

// tokenProvider caches a client-credentials bearer token. A single refresh
// is in flight at a time; Invalidate forces a renewal after a 401.
type tokenProvider struct {
	mu     sync.Mutex
	conf   *clientcredentials.Config
	source oauth2.TokenSource
}

func newTokenProvider(tenantID, clientID, clientSecret, tokenURL string) *tokenProvider {
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID)
	}
	return &tokenProvider{
		conf: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{"https://graph.microsoft.com/.default"},
		},
	}
}

// Token returns a cached bearer token, refreshing when it is within 60 s of
// expiry.
func (p *tokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.source == nil {
		p.source = oauth2.ReuseTokenSourceWithExpiry(nil, p.conf.TokenSource(ctx), tokenEarlyExpiry)
	}
	source := p.source
	p.mu.Unlock()

	token, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("acquire bearer token: %w", err)
	}
	return token.AccessToken, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (p *tokenProvider) Invalidate() {
	p.mu.Lock()
	p.source = nil
	p.mu.Unlock()
}
