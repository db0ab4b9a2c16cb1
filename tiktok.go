package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ============================================================================
// TikTok Resolver
// ============================================================================

// TikTokResolver rips the audio track of a video through ttsave.app: the
// landing page leaks a per-session key inside an inline script, then a POST
// with that key returns a page whose "DOWNLOAD AUDIO (MP3)" anchor carries
// the direct media URL.
type TikTokResolver struct {
	host string
	http *http.Client
}

var ttsaveKeyRegex = regexp.MustCompile(`key=([0-9a-f-]+)`)

func NewTikTokResolver() *TikTokResolver {
	return &TikTokResolver{
		host: "https://ttsave.app",
		http: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (r *TikTokResolver) scrapeKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.host, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", spoofedUserAgent)

	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("ttsave landing returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", err
	}

	m := ttsaveKeyRegex.FindStringSubmatch(doc.Find(`script[type="text/javascript"]`).Text())
	if m == nil {
		return "", errors.New("ttsave key not found in landing page")
	}
	return m[1], nil
}

func (r *TikTokResolver) audioURL(ctx context.Context, videoURL string) (string, error) {
	key, err := r.scrapeKey(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{"id": videoURL})
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/download?mode=audio&key=%s", r.host, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", spoofedUserAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("ttsave download returned status %d", resp.StatusCode)
	}

	return parseAudioLink(resp.Body)
}

// parseAudioLink finds the MP3 anchor in a ttsave result page.
func parseAudioLink(page io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(page)
	if err != nil {
		return "", err
	}

	var href string
	doc.Find("a").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(s.Text(), "DOWNLOAD AUDIO (MP3)") {
			href, _ = s.Attr("href")
			return false
		}
		return true
	})

	if href == "" {
		return "", errors.New("no audio link in ttsave response")
	}
	return href, nil
}

func (r *TikTokResolver) BasicInfo(ctx context.Context, u string) (*TrackMetadata, error) {
	meta := &TrackMetadata{URL: u, Title: "TikTok audio"}

	// The canonical URL shape is tiktok.com/@user/video/<id>.
	if idx := strings.Index(u, "/@"); idx >= 0 {
		rest := u[idx+2:]
		if cut := strings.IndexByte(rest, '/'); cut > 0 {
			meta.Author = rest[:cut]
		}
	}
	return meta, nil
}

func (r *TikTokResolver) OpenStream(ctx context.Context, u string, offset time.Duration) (*StreamSource, error) {
	if offset > 0 {
		return nil, errors.New("seeking is not supported for tiktok audio")
	}

	mediaURL, err := r.audioURL(ctx, u)
	if err != nil {
		return nil, err
	}
	return &StreamSource{URL: mediaURL}, nil
}

func (r *TikTokResolver) ListPlaylist(ctx context.Context, u string) ([]string, error) {
	return nil, errors.New("tiktok has no playlists")
}

func (r *TikTokResolver) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return nil, errors.New("tiktok search is not supported")
}
