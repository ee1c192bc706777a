// Package client provides OAuth2 client setup for Google APIs.
package client

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ErrNoToken is returned when no OAuth token has been stored yet.
var ErrNoToken = errors.New("no oauth token stored (run 'pennywise setup' or visit /oauth/login)")

// Credentials locates the OAuth client secret and the stored user token.
type Credentials struct {
	SecretFile string
	TokenFile  string
	Scopes     []string
}

// Config builds the OAuth2 config from the client secret file.
func (c Credentials) Config(redirectURL string) (*oauth2.Config, error) {
	b, err := os.ReadFile(c.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("reading client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, c.Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parsing client secret: %w", err)
	}
	if redirectURL != "" {
		config.RedirectURL = redirectURL
	}
	return config, nil
}

// HTTPClient returns a client authorized with the stored token. The token is
// refreshed automatically; refreshed tokens are written back to TokenFile.
func (c Credentials) HTTPClient(ctx context.Context) (*http.Client, error) {
	config, err := c.Config("")
	if err != nil {
		return nil, err
	}

	tok, err := c.Token()
	if err != nil {
		return nil, err
	}

	src := &persistingSource{
		base: config.TokenSource(ctx, tok),
		last: tok,
		save: c.SaveToken,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, src)), nil
}

// Token loads the stored token.
func (c Credentials) Token() (*oauth2.Token, error) {
	tok, err := TokenFromFile(c.TokenFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}
	return tok, nil
}

// SaveToken stores tok in TokenFile.
func (c Credentials) SaveToken(tok *oauth2.Token) error {
	return SaveToken(c.TokenFile, tok)
}

// TokenFromFile retrieves a token from a local file.
func TokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	return tok, nil
}

// SaveToken saves a token to a file path, creating the directory if needed.
func SaveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating token file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(token); err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	return nil
}

// NewState returns a random value for the OAuth state parameter.
func NewState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// persistingSource writes the token back to disk whenever it is refreshed.
// Calls are serialized by the ReuseTokenSource wrapping it.
type persistingSource struct {
	base oauth2.TokenSource
	last *oauth2.Token
	save func(*oauth2.Token) error
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != s.last.AccessToken {
		if err := s.save(tok); err != nil {
			return nil, fmt.Errorf("saving refreshed token: %w", err)
		}
		s.last = tok
	}
	return tok, nil
}
