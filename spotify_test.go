package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpotifyAccessTokenCaching(t *testing.T) {
	var hits int32
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		require.Equal(t, http.MethodPost, r.Method)
		require.NotEmpty(t, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok1", "expires_in": 3600})
	}))
	defer auth.Close()

	current := time.Now()
	r := NewSpotifyResolver("id", "secret")
	r.authURL = auth.URL
	r.now = func() time.Time { return current }

	ctx := context.Background()

	tok, err := r.accessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// Second call within the expiry window reuses the cached token.
	tok, err = r.accessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// Past expiry the token is refreshed.
	current = current.Add(time.Hour)
	_, err = r.accessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestSpotifyAccessTokenNoCredentials(t *testing.T) {
	r := NewSpotifyResolver("", "")
	assert.False(t, r.Enabled())

	_, err := r.accessToken(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestSpotifyTrackQueryAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/tracks/4cOdK2wGLETKBW3PvgPWqT", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"name": "Never Gonna Give You Up",
			"artists": []map[string]string{
				{"name": "Rick Astley"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewSpotifyResolver("id", "secret")
	r.authURL = srv.URL + "/token"
	r.apiURL = srv.URL

	query, err := r.TrackQuery(context.Background(), "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT")
	require.NoError(t, err)
	assert.Equal(t, "Rick Astley - Never Gonna Give You Up", query)
}

func TestSpotifyTrackQueryRejectsNonTrack(t *testing.T) {
	r := NewSpotifyResolver("", "")
	_, err := r.TrackQuery(context.Background(), "https://open.spotify.com/playlist/xyz")
	assert.Error(t, err)
}

func TestParseSpotifyPage(t *testing.T) {
	tests := []struct {
		name     string
		page     string
		expected string
		wantErr  bool
	}{
		{
			name: "title and description",
			page: `<meta property="og:title" content="Never Gonna Give You Up"/>` +
				`<meta property="og:description" content="Rick Astley · Song · 1987"/>`,
			expected: "Rick Astley - Never Gonna Give You Up",
		},
		{
			name:     "suffix stripped",
			page:     `<meta property="og:title" content="Song Name - song and lyrics by Someone | Spotify"/>`,
			expected: "Song Name",
		},
		{
			name:     "title only",
			page:     `<meta property="og:title" content="Just A Title"/>`,
			expected: "Just A Title",
		},
		{
			name:    "no og tags",
			page:    `<html><body>nothing here</body></html>`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, err := parseSpotifyPage(tt.page)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, query)
		})
	}
}
