package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"
)

const clientSecret = `{
  "installed": {
    "client_id": "1234.apps.googleusercontent.com",
    "project_id": "garagiste",
    "auth_uri": "https://accounts.google.com/o/oauth2/auth",
    "token_uri": "https://oauth2.googleapis.com/token",
    "client_secret": "shhh",
    "redirect_uris": ["http://localhost"]
  }
}`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_secret.json")
	require.NoError(t, os.WriteFile(path, []byte(clientSecret), 0o600))

	config, err := LoadConfig(path, "https://www.googleapis.com/auth/drive.readonly")
	require.NoError(t, err)
	require.Equal(t, "1234.apps.googleusercontent.com", config.ClientID)
	require.Equal(t, "shhh", config.ClientSecret)
	require.Equal(t, "http://localhost", config.RedirectURL)
	require.Equal(t, []string{"https://www.googleapis.com/auth/drive.readonly"}, config.Scopes)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.True(t, Error.Has(err))
}

func TestTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds", "token.json")
	expiry := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, WriteToken(path, &oauth2.Token{
		AccessToken:  "access",
		TokenType:    "Bearer",
		RefreshToken: "refresh",
		Expiry:       expiry,
	}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	token, err := ReadToken(path)
	require.NoError(t, err)
	require.Equal(t, "access", token.AccessToken)
	require.Equal(t, "refresh", token.RefreshToken)
	require.True(t, expiry.Equal(token.Expiry))
}

func newTokenServer(t *testing.T, exchanges *atomic.Int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "the-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","refresh_token":"r","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthorizerRunsFlowOnce(t *testing.T) {
	var exchanges atomic.Int32
	srv := newTokenServer(t, &exchanges)

	prompts := 0
	a := &Authorizer{
		Config: &oauth2.Config{
			ClientID:     "id",
			ClientSecret: "secret",
			Endpoint:     oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"},
			Scopes:       []string{"drive.readonly"},
		},
		TokenPath: filepath.Join(t.TempDir(), "token.json"),
		Prompt: func(ctx context.Context, authURL string) (string, error) {
			prompts++
			require.Contains(t, authURL, "access_type=offline")
			return "the-code", nil
		},
		Log: zaptest.NewLogger(t),
	}

	token, err := a.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "fresh", token.AccessToken)
	require.Equal(t, 1, prompts)
	require.Equal(t, int32(1), exchanges.Load())

	// Cached now.
	client, err := a.Client(context.Background())
	require.NoError(t, err)
	require.NotNil(t, client)
	require.Equal(t, 1, prompts)
	require.Equal(t, int32(1), exchanges.Load())
}

func TestAuthorizerBadCode(t *testing.T) {
	var exchanges atomic.Int32
	srv := newTokenServer(t, &exchanges)

	a := &Authorizer{
		Config: &oauth2.Config{
			ClientID: "id",
			Endpoint: oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"},
		},
		TokenPath: filepath.Join(t.TempDir(), "token.json"),
		Prompt: func(ctx context.Context, authURL string) (string, error) {
			return "wrong", nil
		},
	}
	_, err := a.Token(context.Background())
	require.True(t, Error.Has(err))

	_, err = os.Stat(a.TokenPath)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestAuthorizerPromptError(t *testing.T) {
	errNoTTY := errors.New("no terminal")
	a := &Authorizer{
		Config:    &oauth2.Config{ClientID: "id"},
		TokenPath: filepath.Join(t.TempDir(), "token.json"),
		Prompt: func(ctx context.Context, authURL string) (string, error) {
			return "", errNoTTY
		},
	}
	_, err := a.Token(context.Background())
	require.ErrorIs(t, err, errNoTTY)
}
