package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// SoundCloud Resolver
// ============================================================================

// SoundCloudResolver talks to the api-v2 surface. Every operation is gated on
// SOUNDCLOUD_CLIENT_ID: without it the resolver fails closed and the
// classifier's verdict is surfaced to the user as-is.
type SoundCloudResolver struct {
	clientID string
	baseURL  string
	http     *http.Client
}

type scUser struct {
	Username string `json:"username"`
}

type scTranscodingFormat struct {
	Protocol string `json:"protocol"`
}

type scTranscoding struct {
	URL    string              `json:"url"`
	Format scTranscodingFormat `json:"format"`
}

type scMedia struct {
	Transcodings []scTranscoding `json:"transcodings"`
}

type scTrack struct {
	Kind         string    `json:"kind"`
	Title        string    `json:"title"`
	PermalinkURL string    `json:"permalink_url"`
	DurationMS   int64     `json:"duration"`
	ArtworkURL   string    `json:"artwork_url"`
	User         scUser    `json:"user"`
	Media        scMedia   `json:"media"`
	Tracks       []scTrack `json:"tracks"`
}

func NewSoundCloudResolver(clientID string) *SoundCloudResolver {
	return &SoundCloudResolver{
		clientID: clientID,
		baseURL:  "https://api-v2.soundcloud.com",
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (r *SoundCloudResolver) Enabled() bool {
	return r.clientID != ""
}

func (r *SoundCloudResolver) getJSON(ctx context.Context, endpoint string, dst any) error {
	if !r.Enabled() {
		return ErrNoCredential
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", spoofedUserAgent)

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("soundcloud api returned status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(dst)
}

func (r *SoundCloudResolver) resolve(ctx context.Context, trackURL string) (*scTrack, error) {
	var track scTrack
	endpoint := fmt.Sprintf("%s/resolve?url=%s&client_id=%s", r.baseURL, url.QueryEscape(trackURL), r.clientID)
	if err := r.getJSON(ctx, endpoint, &track); err != nil {
		return nil, err
	}
	return &track, nil
}

func (t *scTrack) metadata() *TrackMetadata {
	return &TrackMetadata{
		URL:          t.PermalinkURL,
		Title:        t.Title,
		Author:       t.User.Username,
		ThumbnailURL: t.ArtworkURL,
		Duration:     time.Duration(t.DurationMS) * time.Millisecond,
	}
}

func (r *SoundCloudResolver) BasicInfo(ctx context.Context, u string) (*TrackMetadata, error) {
	if meta, ok := GetCachedTrack(ctx, u); ok {
		return meta, nil
	}

	track, err := r.resolve(ctx, u)
	if err != nil {
		return nil, err
	}
	if track.Kind != "track" {
		return nil, fmt.Errorf("expected a track, got %q", track.Kind)
	}

	meta := track.metadata()
	_ = SaveCachedTrack(ctx, meta)
	return meta, nil
}

// OpenStream resolves the progressive transcoding for a track and returns its
// short-lived media URL. The demuxer opens the URL itself, so seeking works.
func (r *SoundCloudResolver) OpenStream(ctx context.Context, u string, offset time.Duration) (*StreamSource, error) {
	track, err := r.resolve(ctx, u)
	if err != nil {
		return nil, err
	}

	var transcodingURL string
	for _, t := range track.Media.Transcodings {
		if t.Format.Protocol == "progressive" {
			transcodingURL = t.URL
			break
		}
	}
	if transcodingURL == "" {
		return nil, fmt.Errorf("no progressive transcoding for %s", u)
	}

	var media struct {
		URL string `json:"url"`
	}
	sep := "?"
	if strings.Contains(transcodingURL, "?") {
		sep = "&"
	}
	if err := r.getJSON(ctx, transcodingURL+sep+"client_id="+r.clientID, &media); err != nil {
		return nil, err
	}
	if media.URL == "" {
		return nil, fmt.Errorf("empty media url for %s", u)
	}

	return &StreamSource{URL: media.URL, Seekable: true}, nil
}

func (r *SoundCloudResolver) ListPlaylist(ctx context.Context, u string) ([]string, error) {
	set, err := r.resolve(ctx, u)
	if err != nil {
		return nil, err
	}
	if set.Kind != "playlist" || len(set.Tracks) == 0 {
		return nil, fmt.Errorf("no tracks in %s", u)
	}

	urls := make([]string, 0, len(set.Tracks))
	for _, t := range set.Tracks {
		if t.PermalinkURL != "" {
			urls = append(urls, t.PermalinkURL)
		}
	}
	return urls, nil
}

func (r *SoundCloudResolver) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}

	var page struct {
		Collection []scTrack `json:"collection"`
	}
	endpoint := fmt.Sprintf("%s/search/tracks?q=%s&limit=%d&client_id=%s", r.baseURL, url.QueryEscape(query), limit, r.clientID)
	if err := r.getJSON(ctx, endpoint, &page); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(page.Collection))
	for _, t := range page.Collection {
		if t.PermalinkURL == "" {
			continue
		}
		results = append(results, SearchResult{
			URL:      t.PermalinkURL,
			Title:    TruncateWithPreserve(t.Title, 100, "", ""),
			Author:   t.User.Username,
			Duration: time.Duration(t.DurationMS) * time.Millisecond,
		})
	}
	return results, nil
}
