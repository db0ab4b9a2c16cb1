package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAudioLink(t *testing.T) {
	page := `<html><body>
		<a href="https://cdn.example.com/video.mp4" type="no-watermark"><span>DOWNLOAD VIDEO</span></a>
		<a href="https://cdn.example.com/audio.mp3" type="audio"><span>DOWNLOAD AUDIO (MP3)</span></a>
	</body></html>`

	href, err := parseAudioLink(strings.NewReader(page))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/audio.mp3", href)
}

func TestParseAudioLinkMissing(t *testing.T) {
	page := `<html><body><a href="https://cdn.example.com/video.mp4">DOWNLOAD VIDEO</a></body></html>`
	_, err := parseAudioLink(strings.NewReader(page))
	assert.Error(t, err)
}

func TestTikTokBasicInfo(t *testing.T) {
	r := NewTikTokResolver()
	meta, err := r.BasicInfo(context.Background(), "https://www.tiktok.com/@someuser/video/7123456789")
	require.NoError(t, err)
	assert.Equal(t, "someuser", meta.Author)
	assert.Equal(t, "TikTok audio", meta.Title)
}

func TestTikTokRejectsSeek(t *testing.T) {
	r := NewTikTokResolver()
	_, err := r.OpenStream(context.Background(), "https://www.tiktok.com/@user/video/1", 30*time.Second)
	assert.Error(t, err)
}

func TestTikTokNoPlaylistOrSearch(t *testing.T) {
	r := NewTikTokResolver()
	_, err := r.ListPlaylist(context.Background(), "https://www.tiktok.com/@user/video/1")
	assert.Error(t, err)
	_, err = r.Search(context.Background(), "query", 5)
	assert.Error(t, err)
}
