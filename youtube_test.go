package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyContent(t *testing.T) {
	limit := 6 * time.Hour

	tests := []struct {
		name     string
		meta     *TrackMetadata
		err      error
		expected ContentError
	}{
		{
			name:     "normal track",
			meta:     &TrackMetadata{Title: "Song", Duration: 3 * time.Minute},
			expected: ContentGood,
		},
		{
			name:     "410 means age restriction",
			err:      errors.New("ERROR: unable to download API page: HTTP Error 410: Gone"),
			expected: ContentAgeRestricted,
		},
		{
			name:     "explicit age gate",
			err:      errors.New("Sign in to confirm your age"),
			expected: ContentAgeRestricted,
		},
		{
			name:     "private video",
			err:      errors.New("ERROR: Private video."),
			expected: ContentPrivate,
		},
		{
			name:     "unavailable video",
			err:      errors.New("ERROR: Video unavailable"),
			expected: ContentUnknown,
		},
		{
			name:     "removed video",
			err:      errors.New("This video has been removed by the uploader"),
			expected: ContentUnknown,
		},
		{
			name:     "network failure",
			err:      errors.New("dial tcp: connection refused"),
			expected: ContentTransportError,
		},
		{
			name:     "missing metadata",
			expected: ContentUnknown,
		},
		{
			name:     "track over the duration limit",
			meta:     &TrackMetadata{Title: "Mix", Duration: 7 * time.Hour},
			expected: ContentTooLong,
		},
		{
			name:     "track at the duration limit",
			meta:     &TrackMetadata{Title: "Mix", Duration: 6 * time.Hour},
			expected: ContentTooLong,
		},
		{
			name:     "live stream ignores the limit",
			meta:     &TrackMetadata{Title: "Radio", Duration: 100 * time.Hour, Live: true},
			expected: ContentGood,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := classifyContent(tt.meta, tt.err, limit)
			assert.Equal(t, tt.expected, result)
			assert.Equal(t, tt.expected == ContentGood, result.Playable())
		})
	}
}

func TestClassifyContentNoLimit(t *testing.T) {
	meta := &TrackMetadata{Title: "Mix", Duration: 100 * time.Hour}
	assert.Equal(t, ContentGood, classifyContent(meta, nil, 0))
}

func TestContentErrorExplain(t *testing.T) {
	assert.Empty(t, ContentGood.Explain())
	assert.Equal(t, ErrContentAgeRestricted, ContentAgeRestricted.Explain())
	assert.Equal(t, ErrContentPrivate, ContentPrivate.Explain())
	assert.Equal(t, ErrContentTooLong, ContentTooLong.Explain())
	assert.Equal(t, ErrContentUnknown, ContentUnknown.Explain())
	assert.Equal(t, ErrContentTransport, ContentTransportError.Explain())
}

func TestVideoID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=42", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ?si=abc", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/shorts/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://example.com/other", ""},
		{"not a url", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, videoID(tt.input), "input: %s", tt.input)
	}
}

func TestWatchAndThumbnailURL(t *testing.T) {
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", watchURL("dQw4w9WgXcQ"))
	assert.Equal(t, "https://i.ytimg.com/vi/dQw4w9WgXcQ/hqdefault.jpg", thumbnailURL("dQw4w9WgXcQ"))
}

func TestBasicInfoLiveFallsThroughToYtdlp(t *testing.T) {
	r := NewYouTubeResolver(0)
	r.fastResolve = func(ctx context.Context, id string) (string, string, time.Duration, error) {
		// The search client reports live broadcasts with a zero duration.
		return "Lofi Radio", "Lofi Girl", 0, nil
	}
	var probed bool
	r.probe = func(ctx context.Context, u string) (*TrackMetadata, error) {
		probed = true
		return &TrackMetadata{URL: u, Title: "Lofi Radio", Author: "Lofi Girl", Live: true}, nil
	}

	meta, err := r.BasicInfo(context.Background(), "https://youtu.be/jfKfPfyJRdk")
	require.NoError(t, err)
	assert.True(t, probed, "zero duration must not short-circuit yt-dlp")
	assert.True(t, meta.Live)
}

func TestBasicInfoFastPathSkipsYtdlp(t *testing.T) {
	r := NewYouTubeResolver(0)
	r.fastResolve = func(ctx context.Context, id string) (string, string, time.Duration, error) {
		return "Never Gonna Give You Up", "Rick Astley", 3*time.Minute + 33*time.Second, nil
	}
	r.probe = func(ctx context.Context, u string) (*TrackMetadata, error) {
		t.Fatal("yt-dlp must not run when the fast path resolved a duration")
		return nil, nil
	}

	meta, err := r.BasicInfo(context.Background(), "https://youtu.be/dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, "Never Gonna Give You Up", meta.Title)
	assert.False(t, meta.Live)
	assert.Equal(t, 3*time.Minute+33*time.Second, meta.Duration)
}

func TestParseDurationColon(t *testing.T) {
	assert.Equal(t, 3*time.Minute+20*time.Second, parseDurationColon("3:20"))
	assert.Equal(t, time.Hour+5*time.Minute+20*time.Second, parseDurationColon("1:05:20"))
	assert.Equal(t, time.Duration(0), parseDurationColon("garbage"))
	assert.Equal(t, time.Duration(0), parseDurationColon(""))
}

func TestCapResults(t *testing.T) {
	results := []SearchResult{{Title: "a"}, {Title: "b"}, {Title: "c"}}
	assert.Len(t, capResults(results, 2), 2)
	assert.Len(t, capResults(results, 5), 3)
	assert.Len(t, capResults(results, 0), 3)
}
