// Package auth gets an OAuth2-authorized HTTP client for the Drive API, caching the token on disk
// between runs.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Error is the class of authorization errors.
var Error = errs.Class("auth")

// LoadConfig reads an OAuth2 client secret file as downloaded from the Google Cloud console. Both
// "web" and "installed" client types are accepted.
func LoadConfig(path string, scopes ...string) (*oauth2.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	config, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return config, nil
}

// Authorizer produces authorized clients, asking the user to grant access the first time.
type Authorizer struct {
	Config *oauth2.Config
	// TokenPath is where the token is cached.
	TokenPath string
	// Prompt shows the user authURL and returns the authorization code they got from it.
	Prompt func(ctx context.Context, authURL string) (string, error)
	Log    *zap.Logger
}

// Client returns an HTTP client that authorizes its requests, using the cached token if there is
// one and running the authorization flow otherwise.
func (a *Authorizer) Client(ctx context.Context) (*http.Client, error) {
	token, err := a.Token(ctx)
	if err != nil {
		return nil, err
	}
	return a.Config.Client(ctx, token), nil
}

// Token returns the cached token, or a new one which is then cached.
func (a *Authorizer) Token(ctx context.Context) (*oauth2.Token, error) {
	log := a.Log
	if log == nil {
		log = zap.NewNop()
	}

	token, err := ReadToken(a.TokenPath)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	authURL := a.Config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	code, err := a.Prompt(ctx, authURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	token, err = a.Config.Exchange(ctx, code)
	if err != nil {
		return nil, Error.New("exchanging authorization code: %v", err)
	}
	if err := WriteToken(a.TokenPath, token); err != nil {
		return nil, err
	}
	log.Info("token stored", zap.String("path", a.TokenPath))
	return token, nil
}

func ReadToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(b, &token); err != nil {
		return nil, Error.New("reading token %s: %v", path, err)
	}
	return &token, nil
}

func WriteToken(path string, token *oauth2.Token) error {
	b, err := json.Marshal(token)
	if err != nil {
		return Error.Wrap(err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Error.Wrap(err)
		}
	}
	return Error.Wrap(os.WriteFile(path, b, 0o600))
}
