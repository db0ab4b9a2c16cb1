package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(true)

	tests := []struct {
		name     string
		input    string
		hint     Provider
		expected Classification
	}{
		{
			name:     "YouTube watch link",
			input:    "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			expected: Classification{Provider: ProviderYouTube, URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		},
		{
			name:     "YouTube short link",
			input:    "https://youtu.be/dQw4w9WgXcQ",
			expected: Classification{Provider: ProviderYouTube, URL: "https://youtu.be/dQw4w9WgXcQ"},
		},
		{
			name:     "YouTube link without scheme",
			input:    "youtube.com/watch?v=dQw4w9WgXcQ",
			expected: Classification{Provider: ProviderYouTube, URL: "https://youtube.com/watch?v=dQw4w9WgXcQ"},
		},
		{
			name:     "Shorts rewritten to plain video",
			input:    "https://www.youtube.com/shorts/dQw4w9WgXcQ",
			expected: Classification{Provider: ProviderYouTube, URL: "https://youtu.be/dQw4w9WgXcQ"},
		},
		{
			name:     "Angle brackets stripped",
			input:    "<https://youtu.be/dQw4w9WgXcQ>",
			expected: Classification{Provider: ProviderYouTube, URL: "https://youtu.be/dQw4w9WgXcQ"},
		},
		{
			name:     "YouTube playlist",
			input:    "https://www.youtube.com/playlist?list=PLabc123",
			expected: Classification{Provider: ProviderYouTube, URL: "https://www.youtube.com/playlist?list=PLabc123", Playlist: true},
		},
		{
			name:     "Watch link with list param is a playlist",
			input:    "https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PLabc123",
			expected: Classification{Provider: ProviderYouTube, URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PLabc123", Playlist: true},
		},
		{
			name:     "SoundCloud track",
			input:    "https://soundcloud.com/artist/track-name",
			expected: Classification{Provider: ProviderSoundCloud, URL: "https://soundcloud.com/artist/track-name"},
		},
		{
			name:     "SoundCloud set",
			input:    "https://soundcloud.com/artist/sets/my-playlist",
			expected: Classification{Provider: ProviderSoundCloud, URL: "https://soundcloud.com/artist/sets/my-playlist", Playlist: true},
		},
		{
			name:     "TikTok short link",
			input:    "https://vm.tiktok.com/ZM8abc/",
			expected: Classification{Provider: ProviderTikTok, URL: "https://vm.tiktok.com/ZM8abc/"},
		},
		{
			name:     "Spotify track",
			input:    "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT",
			expected: Classification{Provider: ProviderSpotify, URL: "https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT"},
		},
		{
			name:     "Spotify intl track",
			input:    "https://open.spotify.com/intl-de/track/4cOdK2wGLETKBW3PvgPWqT",
			expected: Classification{Provider: ProviderSpotify, URL: "https://open.spotify.com/intl-de/track/4cOdK2wGLETKBW3PvgPWqT"},
		},
		{
			name:     "Generic URL",
			input:    "https://example.com/stream.mp3",
			expected: Classification{Provider: ProviderHTTP, URL: "https://example.com/stream.mp3"},
		},
		{
			name:     "Plain text becomes YouTube search",
			input:    "never gonna give you up",
			expected: Classification{Provider: ProviderYouTube, Search: true, Query: "never gonna give you up"},
		},
		{
			name:     "Plain text with SoundCloud hint",
			input:    "lofi beats",
			hint:     ProviderSoundCloud,
			expected: Classification{Provider: ProviderSoundCloud, Search: true, Query: "lofi beats"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, c.Classify(tt.input, tt.hint))
		})
	}
}

func TestClassifySpotifyDisabled(t *testing.T) {
	c := NewClassifier(false)
	result := c.Classify("https://open.spotify.com/track/4cOdK2wGLETKBW3PvgPWqT", ProviderNone)
	assert.Equal(t, ProviderHTTP, result.Provider)
	assert.False(t, result.Search)
}

func TestSniffURL(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/audio", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
	})
	mux.HandleFunc("/video", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
	})
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srvURL+"/audio", http.StatusFound)
	})
	mux.HandleFunc("/hop1", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srvURL+"/hop2", http.StatusFound)
	})
	mux.HandleFunc("/hop2", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srvURL+"/audio", http.StatusFound)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	c := NewClassifier(false)
	ctx := context.Background()

	t.Run("direct audio", func(t *testing.T) {
		res, err := c.SniffURL(ctx, srv.URL+"/audio")
		require.NoError(t, err)
		assert.Equal(t, srv.URL+"/audio", res.URL)
		assert.Equal(t, "audio/mpeg", res.ContentType)
		assert.False(t, res.Video)
	})

	t.Run("video container is playable", func(t *testing.T) {
		res, err := c.SniffURL(ctx, srv.URL+"/video")
		require.NoError(t, err)
		assert.True(t, res.Video)
	})

	t.Run("single redirect followed", func(t *testing.T) {
		res, err := c.SniffURL(ctx, srv.URL+"/redirect")
		require.NoError(t, err)
		assert.Equal(t, srv.URL+"/audio", res.URL)
	})

	t.Run("second redirect rejected", func(t *testing.T) {
		_, err := c.SniffURL(ctx, srv.URL+"/hop1")
		assert.ErrorIs(t, err, ErrRedirectChain)
	})

	t.Run("html rejected", func(t *testing.T) {
		_, err := c.SniffURL(ctx, srv.URL+"/page")
		assert.ErrorIs(t, err, ErrUnsupportedContent)
	})

	t.Run("error status rejected", func(t *testing.T) {
		_, err := c.SniffURL(ctx, srv.URL+"/missing")
		assert.ErrorContains(t, err, "404")
	})
}

func TestEnsureScheme(t *testing.T) {
	assert.Equal(t, "https://youtu.be/x", ensureScheme("youtu.be/x"))
	assert.Equal(t, "http://example.com", ensureScheme("http://example.com"))
	assert.Equal(t, "https://example.com", ensureScheme("https://example.com"))
}
