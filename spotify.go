package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Spotify Resolver
// ============================================================================

// SpotifyResolver never streams anything itself. Spotify links are translated
// into an "artist - title" query and re-routed through YouTube search, so the
// only job here is metadata lookup: the Web API when credentials are
// configured, an og: tag scrape of the public track page otherwise.
type SpotifyResolver struct {
	clientID     string
	clientSecret string
	http         *http.Client

	authURL string
	apiURL  string
	now     func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

var (
	spotifyOgTitleRegex = regexp.MustCompile(`<meta property="og:title" content="([^"]+)"`)
	spotifyOgDescRegex  = regexp.MustCompile(`<meta property="og:description" content="([^"]+)"`)
)

func NewSpotifyResolver(clientID, clientSecret string) *SpotifyResolver {
	return &SpotifyResolver{
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 15 * time.Second},
		authURL:      "https://accounts.spotify.com/api/token",
		apiURL:       "https://api.spotify.com/v1",
		now:          time.Now,
	}
}

func (r *SpotifyResolver) Enabled() bool {
	return r.clientID != "" && r.clientSecret != ""
}

// accessToken returns a cached client-credentials token, refreshing it a
// minute before Spotify's stated expiry.
func (r *SpotifyResolver) accessToken(ctx context.Context) (string, error) {
	if !r.Enabled() {
		return "", ErrNoCredential
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && r.now().Before(r.tokenExp) {
		return r.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(r.clientID + ":" + r.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("spotify token endpoint returned status %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.AccessToken == "" {
		return "", errors.New("spotify token endpoint returned an empty token")
	}

	r.token = payload.AccessToken
	r.tokenExp = r.now().Add(time.Duration(payload.ExpiresIn-60) * time.Second)
	return r.token, nil
}

// TrackQuery resolves a Spotify track link into a plain search query.
func (r *SpotifyResolver) TrackQuery(ctx context.Context, trackURL string) (string, error) {
	m := spotifyTrackRegex.FindStringSubmatch(trackURL)
	if m == nil {
		return "", errors.New("not a spotify track link")
	}
	trackID := m[len(m)-1]

	if r.Enabled() {
		if query, err := r.apiTrackQuery(ctx, trackID); err == nil {
			return query, nil
		} else {
			LogResolver("Spotify API lookup failed, falling back to page scrape: %v", err)
		}
	}
	return r.scrapeTrackQuery(ctx, trackURL)
}

func (r *SpotifyResolver) apiTrackQuery(ctx context.Context, trackID string) (string, error) {
	token, err := r.accessToken(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.apiURL+"/tracks/"+trackID, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// Token revoked out from under us. Drop it so the next call refreshes.
		r.mu.Lock()
		r.token = ""
		r.mu.Unlock()
		return "", errors.New("spotify rejected the access token")
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("spotify track endpoint returned status %d", resp.StatusCode)
	}

	var track struct {
		Name    string `json:"name"`
		Artists []struct {
			Name string `json:"name"`
		} `json:"artists"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&track); err != nil {
		return "", err
	}
	if track.Name == "" {
		return "", errors.New("spotify track has no name")
	}

	var artists []string
	for _, a := range track.Artists {
		if a.Name != "" {
			artists = append(artists, a.Name)
		}
	}
	if len(artists) == 0 {
		return track.Name, nil
	}
	return strings.Join(artists, ", ") + " - " + track.Name, nil
}

// scrapeTrackQuery pulls artist and title out of the og: tags on the public
// track page, which works without any credentials.
func (r *SpotifyResolver) scrapeTrackQuery(ctx context.Context, trackURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trackURL, nil)
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
		return "", fmt.Errorf("spotify page returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return "", err
	}
	return parseSpotifyPage(string(body))
}

func parseSpotifyPage(page string) (string, error) {
	tm := spotifyOgTitleRegex.FindStringSubmatch(page)
	if tm == nil {
		return "", errors.New("spotify page has no og:title")
	}
	title := tm[1]
	title = strings.TrimSuffix(title, " | Spotify")
	if cut := strings.Index(title, " - song and lyrics by"); cut > 0 {
		title = title[:cut]
	}

	var artist string
	if dm := spotifyOgDescRegex.FindStringSubmatch(page); dm != nil {
		parts := strings.Split(dm[1], " · ")
		if len(parts) > 0 && parts[0] != "" {
			artist = parts[0]
		}
	}

	if artist == "" {
		return title, nil
	}
	return artist + " - " + title, nil
}
