package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ============================================================================
// Content Resolvers
// ============================================================================

const (
	ErrContentAgeRestricted = "That video is age restricted and cannot be played."
	ErrContentPrivate       = "That video is private."
	ErrContentTooLong       = "That track is longer than the 6 hour limit."
	ErrContentUnknown       = "That video does not exist or is unavailable."
	ErrContentTransport     = "The source could not be reached. Try again in a moment."
)

var ErrNoCredential = errors.New("provider credential is not configured")

type TrackMetadata struct {
	URL          string
	Title        string
	Author       string
	ThumbnailURL string
	Duration     time.Duration
	Live         bool
}

type SearchResult struct {
	URL      string
	Title    string
	Author   string
	Duration time.Duration
}

// StreamSource is one playable input for the transcoder: either a direct URL
// the demuxer can open itself, or an already-open byte stream. ErrC, when
// set, carries the producer's terminal error so transport failures keep
// their original status text.
type StreamSource struct {
	URL      string
	Reader   io.ReadCloser
	Seekable bool
	ErrC     chan error
}

func (s *StreamSource) Close() {
	if s != nil && s.Reader != nil {
		_ = s.Reader.Close()
	}
}

type Resolver interface {
	BasicInfo(ctx context.Context, url string) (*TrackMetadata, error)
	OpenStream(ctx context.Context, url string, offset time.Duration) (*StreamSource, error)
	ListPlaylist(ctx context.Context, url string) ([]string, error)
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// ContentError classifies why a track may not be playable before any
// stream is opened.
type ContentError int

const (
	ContentGood ContentError = iota
	ContentAgeRestricted
	ContentPrivate
	ContentTooLong
	ContentUnknown
	ContentTransportError
)

func (e ContentError) Playable() bool {
	return e == ContentGood
}

// Explain maps a classification to its user-facing message. Good means
// "proceed" and has no message.
func (e ContentError) Explain() string {
	switch e {
	case ContentGood:
		return ""
	case ContentUnknown:
		return ErrContentUnknown
	case ContentAgeRestricted:
		return ErrContentAgeRestricted
	case ContentPrivate:
		return ErrContentPrivate
	case ContentTooLong:
		return ErrContentTooLong
	case ContentTransportError:
		return ErrContentTransport
	default:
		return ErrContentUnknown
	}
}

type Resolvers struct {
	YouTube    *YouTubeResolver
	SoundCloud *SoundCloudResolver
	TikTok     *TikTokResolver
	Spotify    *SpotifyResolver
	HTTP       *HTTPResolver
}

func NewResolvers(cfg *Config, classifier *Classifier) *Resolvers {
	return &Resolvers{
		YouTube:    NewYouTubeResolver(cfg.DurationLimit),
		SoundCloud: NewSoundCloudResolver(cfg.SoundCloudClientID),
		TikTok:     NewTikTokResolver(),
		Spotify:    NewSpotifyResolver(cfg.SpotifyClientID, cfg.SpotifyClientSecret),
		HTTP:       NewHTTPResolver(classifier),
	}
}

func (r *Resolvers) For(p Provider) (Resolver, error) {
	switch p {
	case ProviderYouTube:
		return r.YouTube, nil
	case ProviderSoundCloud:
		return r.SoundCloud, nil
	case ProviderTikTok:
		return r.TikTok, nil
	case ProviderHTTP:
		return r.HTTP, nil
	default:
		return nil, fmt.Errorf("no resolver for provider %s", p)
	}
}
