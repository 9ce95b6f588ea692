package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/socialpulse/socialpulse/internal/errors"
)

func TestInstagramStrategy(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/refresh_access_token":
			gotQuery = r.URL.RawQuery
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "ig-new", "token_type": "bearer", "expires_in": 5184000,
			})
		case r.URL.Path == "/me/permissions" && r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := NewInstagramStrategy(srv.Client())
	s.BaseURL = srv.URL
	assert.Equal(t, 7*24*time.Hour, s.Buffer())

	now := time.Now()
	assert.False(t, s.CanRefresh(Tokens{IssuedAt: now.Add(-time.Hour)}, now))
	assert.True(t, s.CanRefresh(Tokens{IssuedAt: now.Add(-25 * time.Hour)}, now))

	g, err := s.Refresh(context.Background(), Tokens{AccessToken: "ig-old", Scope: "basic"})
	require.NoError(t, err)
	assert.Equal(t, "ig-new", g.AccessToken)
	assert.Equal(t, 60*24*time.Hour, g.ExpiresIn)
	assert.Equal(t, "basic", g.Scope)
	assert.Contains(t, gotQuery, "grant_type=ig_refresh_token")
	assert.Contains(t, gotQuery, "access_token=ig-old")

	assert.NoError(t, s.Revoke(context.Background(), Tokens{AccessToken: "ig-new"}))
}

func TestInstagramStrategyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Session has expired"}}`))
	}))
	defer srv.Close()

	s := NewInstagramStrategy(srv.Client())
	s.BaseURL = srv.URL
	_, err := s.Refresh(context.Background(), Tokens{AccessToken: "x"})
	assert.Error(t, err)
}

func TestTikTokStrategy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.URL.Path {
		case "/oauth/token/":
			assert.Equal(t, "ck", r.PostForm.Get("client_key"))
			assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
			if r.PostForm.Get("refresh_token") == "bad" {
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": "refresh token expired"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "tt-new", "refresh_token": "tt-r2", "expires_in": 86400, "scope": "user.info.basic",
			})
		case "/oauth/revoke/":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	s := NewTikTokStrategy("ck", "cs", srv.Client())
	s.BaseURL = srv.URL
	assert.False(t, s.CanRefresh(Tokens{}, time.Now()))
	assert.True(t, s.CanRefresh(Tokens{RefreshToken: "r"}, time.Now()))

	g, err := s.Refresh(context.Background(), Tokens{RefreshToken: "r"})
	require.NoError(t, err)
	assert.Equal(t, "tt-new", g.AccessToken)
	assert.Equal(t, "tt-r2", g.RefreshToken)
	assert.Equal(t, 24*time.Hour, g.ExpiresIn)

	_, err = s.Refresh(context.Background(), Tokens{RefreshToken: "bad"})
	assert.ErrorIs(t, err, errors.ErrAuthExpired)

	_, err = s.Refresh(context.Background(), Tokens{})
	assert.ErrorIs(t, err, ErrNoRefreshToken)

	assert.NoError(t, s.Revoke(context.Background(), Tokens{AccessToken: "tt-new"}))
}

func TestOAuth2Strategy(t *testing.T) {
	var revoked string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.URL.Path {
		case "/token":
			if r.PostForm.Get("refresh_token") == "dead" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "g-new", "token_type": "Bearer", "expires_in": 3600,
			})
		case "/revoke":
			revoked = r.PostForm.Get("token")
		}
	}))
	defer srv.Close()

	s := NewGoogleStrategy("id", "secret", srv.Client())
	s.Config.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams}
	s.RevokeURL = srv.URL + "/revoke"
	assert.Equal(t, 5*time.Minute, s.Buffer())

	g, err := s.Refresh(context.Background(), Tokens{RefreshToken: "g-r", Scope: "yt"})
	require.NoError(t, err)
	assert.Equal(t, "g-new", g.AccessToken)
	assert.Empty(t, g.RefreshToken)
	assert.InDelta(t, time.Hour.Seconds(), g.ExpiresIn.Seconds(), 5)
	assert.Equal(t, "yt", g.Scope)

	_, err = s.Refresh(context.Background(), Tokens{RefreshToken: "dead"})
	require.Error(t, err)
	assert.False(t, errors.Retryable(err))

	_, err = s.Refresh(context.Background(), Tokens{})
	assert.ErrorIs(t, err, ErrNoRefreshToken)

	require.NoError(t, s.Revoke(context.Background(), Tokens{RefreshToken: "g-r"}))
	assert.Equal(t, "g-r", revoked)
}

func TestStaticStrategy(t *testing.T) {
	var s StaticStrategy
	assert.Zero(t, s.Buffer())
	_, err := s.Refresh(context.Background(), Tokens{})
	assert.ErrorIs(t, err, ErrRefreshUnsupported)
	assert.NoError(t, s.Revoke(context.Background(), Tokens{}))
}
