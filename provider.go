package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ============================================================================
// Provider Classification
// ============================================================================

const spoofedUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/111.0.0.0 Safari/537.36"

var (
	youtubeRegex         = regexp.MustCompile(`^(?:https?://)?(?:www\.|m\.|music\.)?(?:youtube\.com/(?:watch\?\S*?v=|embed/|live/)|youtu\.be/)([\w-]{11})`)
	youtubeShortsRegex   = regexp.MustCompile(`^(?:https?://)?(?:www\.|m\.)?youtube\.com/shorts/([\w-]{11})`)
	youtubePlaylistRegex = regexp.MustCompile(`^(?:https?://)?(?:www\.|m\.|music\.)?youtube\.com/(?:playlist\?\S*?|watch\?\S*?)list=([\w-]+)`)
	soundcloudSetRegex   = regexp.MustCompile(`^(?:https?://)?(?:www\.|m\.)?soundcloud\.com/[\w-]+/sets/[\w-]+`)
	soundcloudRegex      = regexp.MustCompile(`^(?:https?://)?(?:www\.|m\.|on\.)?soundcloud\.com/[\w-]+(?:/[\w-]+)?`)
	tiktokRegex          = regexp.MustCompile(`^(?:https?://)?(?:www\.|vm\.|vt\.|m\.)?tiktok\.com/\S+`)
	spotifyTrackRegex    = regexp.MustCompile(`^(?:https?://)?open\.spotify\.com/(?:intl-[\w-]+/)?track/([0-9A-Za-z]+)`)

	appropriateContentTypeRegex = regexp.MustCompile(`(audio/(mp3|ogg|webm|mpeg3?))|(application/octet-stream)|(video/mp4)`)
)

var (
	ErrUnsupportedContent = errors.New("unsupported content type")
	ErrRedirectChain      = errors.New("redirect target was itself redirected")
)

type Provider int

const (
	ProviderNone Provider = iota
	ProviderYouTube
	ProviderSoundCloud
	ProviderTikTok
	ProviderSpotify
	ProviderHTTP
)

func (p Provider) String() string {
	switch p {
	case ProviderYouTube:
		return "youtube"
	case ProviderSoundCloud:
		return "soundcloud"
	case ProviderTikTok:
		return "tiktok"
	case ProviderSpotify:
		return "spotify"
	case ProviderHTTP:
		return "http"
	default:
		return "none"
	}
}

// Classification is the syntactic verdict for one user input. A Search result
// carries the raw query and the provider whose search should serve it; every
// other result carries a canonical URL.
type Classification struct {
	Provider Provider
	URL      string
	Playlist bool
	Search   bool
	Query    string
}

type SniffResult struct {
	URL         string
	ContentType string
	Video       bool
}

type Classifier struct {
	spotifyEnabled bool
	http           *http.Client
	limiter        *rate.Limiter
}

func NewClassifier(spotifyEnabled bool) *Classifier {
	return &Classifier{
		spotifyEnabled: spotifyEnabled,
		http: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: rate.NewLimiter(rate.Limit(4), 8),
	}
}

// Classify maps one raw user input to a provider without touching the network.
// Matching order is fixed: more specific providers win over the generic URL
// fallback, and anything that is not a URL at all becomes a search intent for
// searchHint (YouTube when no hint is given).
func (c *Classifier) Classify(input string, searchHint Provider) Classification {
	input = strings.TrimSpace(input)
	input = strings.TrimPrefix(input, "<")
	input = strings.TrimSuffix(input, ">")

	// Shorts are plain videos behind a different path. Rewrite before matching.
	if m := youtubeShortsRegex.FindStringSubmatch(input); m != nil {
		input = "https://youtu.be/" + m[1]
	}

	if c.spotifyEnabled {
		if m := spotifyTrackRegex.FindStringSubmatch(input); m != nil {
			return Classification{Provider: ProviderSpotify, URL: ensureScheme(input)}
		}
	}

	if youtubePlaylistRegex.MatchString(input) {
		return Classification{Provider: ProviderYouTube, URL: ensureScheme(input), Playlist: true}
	}

	if soundcloudSetRegex.MatchString(input) {
		return Classification{Provider: ProviderSoundCloud, URL: ensureScheme(input), Playlist: true}
	}

	if youtubeRegex.MatchString(input) {
		return Classification{Provider: ProviderYouTube, URL: ensureScheme(input)}
	}

	if soundcloudRegex.MatchString(input) {
		return Classification{Provider: ProviderSoundCloud, URL: ensureScheme(input)}
	}

	if tiktokRegex.MatchString(input) {
		return Classification{Provider: ProviderTikTok, URL: ensureScheme(input)}
	}

	if u, err := url.Parse(input); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return Classification{Provider: ProviderHTTP, URL: input}
	}

	if searchHint == ProviderNone {
		searchHint = ProviderYouTube
	}
	return Classification{Provider: searchHint, Search: true, Query: input}
}

// SniffURL probes a generic URL and decides whether its payload is playable.
// A redirect is followed exactly once; a redirecting redirect target is
// treated as unresolvable.
func (c *Classifier) SniffURL(ctx context.Context, rawURL string) (*SniffResult, error) {
	resp, err := c.probe(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if loc := redirectTarget(resp); loc != "" {
		resp, err = c.probe(ctx, loc)
		if err != nil {
			return nil, err
		}
		if redirectTarget(resp) != "" {
			return nil, ErrRedirectChain
		}
		rawURL = loc
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d for %s", resp.StatusCode, rawURL)
	}

	contentType := resp.Header.Get("Content-Type")
	if !appropriateContentTypeRegex.MatchString(contentType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, contentType)
	}

	return &SniffResult{
		URL:         rawURL,
		ContentType: contentType,
		Video:       strings.HasPrefix(contentType, "video/"),
	}, nil
}

func (c *Classifier) probe(ctx context.Context, rawURL string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", spoofedUserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return resp, nil
}

func redirectTarget(resp *http.Response) string {
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return ""
	}
	return resp.Header.Get("Location")
}

func ensureScheme(input string) string {
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		return input
	}
	return "https://" + input
}
