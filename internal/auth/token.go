// Package auth supplies the bearer credential attached to streaming requests.
// A provider returns an empty token when no credential is available; callers
// then send the request unauthenticated.
package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/SeeSoRuFree/careerly-v2-sub001/internal/logging"
)

// TokenProvider returns the current access token, or "" for none.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same token.
type StaticToken string

// Token implements TokenProvider.
func (s StaticToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

// EnvToken reads the token from an environment variable on every call.
type EnvToken string

// Token implements TokenProvider.
func (e EnvToken) Token(context.Context) (string, error) {
	if e == "" {
		return "", nil
	}
	return strings.TrimSpace(os.Getenv(string(e))), nil
}

// FileTokenProvider reads a token file written by the login flow and caches
// it until the file's modification time changes.
type FileTokenProvider struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	token   string
}

// NewFileTokenProvider creates a provider for path.
func NewFileTokenProvider(path string) *FileTokenProvider {
	return &FileTokenProvider{path: path}
}

// Token implements TokenProvider. A missing file yields no token.
func (p *FileTokenProvider) Token(context.Context) (string, error) {
	if p == nil || p.path == "" {
		return "", nil
	}
	info, err := os.Stat(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to stat token file: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.modTime.IsZero() && info.ModTime().Equal(p.modTime) {
		return p.token, nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	p.token = strings.TrimSpace(string(data))
	p.modTime = info.ModTime()
	logging.Get(logging.CategoryAuth).Debug("loaded token from %s (%d bytes)", p.path, len(p.token))
	return p.token, nil
}

// Chain returns the first non-empty token from its providers, in order.
// Provider errors abort the chain.
type Chain []TokenProvider

// Token implements TokenProvider.
func (c Chain) Token(ctx context.Context) (string, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		tok, err := p.Token(ctx)
		if err != nil {
			return "", err
		}
		if tok != "" {
			return tok, nil
		}
	}
	return "", nil
}
