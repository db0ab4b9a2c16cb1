package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ============================================================================
// YouTube Resolver
// ============================================================================

var (
	jsOnce       sync.Once
	cachedJSArgs []string

	videoIDRegex = regexp.MustCompile(`(?:\?|&)v=([\w-]{11})`)
)

type YouTubeResolver struct {
	durationLimit time.Duration
	cache         *searchCache

	// Swappable in tests.
	fastResolve func(ctx context.Context, id string) (string, string, time.Duration, error)
	probe       func(ctx context.Context, u string) (*TrackMetadata, error)
}

type searchCache struct {
	sync.RWMutex
	items map[string]cachedSearch
}

type cachedSearch struct {
	results   []SearchResult
	expiresAt time.Time
}

func NewYouTubeResolver(durationLimit time.Duration) *YouTubeResolver {
	return &YouTubeResolver{
		durationLimit: durationLimit,
		cache:         &searchCache{items: make(map[string]cachedSearch)},
		fastResolve:   fastResolveMetadata,
		probe:         ytdlpProbe,
	}
}

// videoID extracts the 11-character video ID from any supported YouTube URL
// shape, or returns "".
func videoID(u string) string {
	if m := videoIDRegex.FindStringSubmatch(u); len(m) > 1 {
		return m[1]
	}
	for _, marker := range []string{"youtu.be/", "shorts/", "embed/", "live/"} {
		if idx := strings.Index(u, marker); idx >= 0 {
			id := u[idx+len(marker):]
			if cut := strings.IndexAny(id, "?&/"); cut >= 0 {
				id = id[:cut]
			}
			if len(id) == 11 {
				return id
			}
		}
	}
	return ""
}

func watchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

func thumbnailURL(id string) string {
	return "https://i.ytimg.com/vi/" + id + "/hqdefault.jpg"
}

func (r *YouTubeResolver) BasicInfo(ctx context.Context, u string) (*TrackMetadata, error) {
	id := videoID(u)
	canonical := u
	if id != "" {
		canonical = watchURL(id)
	}

	if meta, ok := GetCachedTrack(ctx, canonical); ok {
		return meta, nil
	}

	// Fast path: the native search client answers in well under a second.
	// It cannot tell a live broadcast apart from a regular video, so a
	// zero duration falls through to the full probe which sets Live.
	if id != "" {
		if title, channel, d, err := r.fastResolve(ctx, id); err == nil && d > 0 {
			meta := &TrackMetadata{
				URL:          canonical,
				Title:        title,
				Author:       channel,
				ThumbnailURL: thumbnailURL(id),
				Duration:     d,
			}
			_ = SaveCachedTrack(ctx, meta)
			return meta, nil
		}
	}

	meta, err := r.probe(ctx, canonical)
	if err != nil {
		return nil, err
	}
	_ = SaveCachedTrack(ctx, meta)
	return meta, nil
}

// CheckContent decides whether a URL is worth queueing at all. It runs before
// any stream is opened so the rejection can be shown to the requester.
func (r *YouTubeResolver) CheckContent(ctx context.Context, u string) ContentError {
	meta, err := r.BasicInfo(ctx, u)
	return classifyContent(meta, err, r.durationLimit)
}

func classifyContent(meta *TrackMetadata, err error, limit time.Duration) ContentError {
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "410") || strings.Contains(msg, "age"):
			return ContentAgeRestricted
		case strings.Contains(msg, "private"):
			return ContentPrivate
		case strings.Contains(msg, "unavailable") || strings.Contains(msg, "not exist") || strings.Contains(msg, "removed") || strings.Contains(msg, "not found"):
			return ContentUnknown
		default:
			return ContentTransportError
		}
	}
	if meta == nil {
		return ContentUnknown
	}
	if !meta.Live && limit > 0 && meta.Duration >= limit {
		return ContentTooLong
	}
	return ContentGood
}

func (r *YouTubeResolver) OpenStream(ctx context.Context, u string, offset time.Duration) (*StreamSource, error) {
	meta, err := r.BasicInfo(ctx, u)
	if err != nil {
		return nil, err
	}
	if offset > 0 && meta.Live {
		return nil, errors.New("cannot seek in a live broadcast")
	}

	pr, pw := io.Pipe()
	errC := make(chan error, 1)
	safeGo(func() {
		streamErr := ytdlpStream(ctx, u, offset, pw)
		errC <- streamErr
		pw.CloseWithError(streamErr)
	})

	return &StreamSource{Reader: pr, Seekable: !meta.Live, ErrC: errC}, nil
}

func (r *YouTubeResolver) ListPlaylist(ctx context.Context, u string) ([]string, error) {
	return ytdlpExtractPlaylist(ctx, u, 100)
}

// Search fans out to YouTube Music and plain YouTube in parallel and merges
// the two result sets, music results first. Results are cached for an hour.
func (r *YouTubeResolver) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	r.cache.RLock()
	if item, ok := r.cache.items[query]; ok && time.Now().Before(item.expiresAt) {
		r.cache.RUnlock()
		return capResults(item.results, limit), nil
	}
	r.cache.RUnlock()

	sctx, cancel := context.WithTimeout(ctx, 2600*time.Millisecond)
	defer cancel()

	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(query)
		res, _ := s.Next()
		for _, v := range res.Tracks {
			if v.VideoID == "" {
				continue
			}
			artist := ""
			if len(v.Artists) > 0 {
				artist = " - " + v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{
					URL:    watchURL(v.VideoID),
					Title:  TruncateWithPreserve(v.Title, 100, "", artist),
					Author: strings.TrimPrefix(artist, " - "),
				})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		res, _ := c.Search(sctx, query)
		for _, v := range res.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{
					URL:      watchURL(v.VideoID),
					Title:    TruncateWithPreserve(v.Title, 100, "", ""),
					Author:   v.Channel,
					Duration: parseDurationColon(v.Duration),
				})
			}
			resMu.Unlock()
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2300 * time.Millisecond):
	}

	resMu.Lock()
	defer resMu.Unlock()
	fin := append(append([]SearchResult(nil), ytm...), yt...)
	if len(fin) > 25 {
		fin = fin[:25]
	}

	if len(fin) > 0 {
		r.cache.Lock()
		r.cache.items[query] = cachedSearch{results: fin, expiresAt: time.Now().Add(1 * time.Hour)}
		r.cache.Unlock()
	}

	return capResults(fin, limit), nil
}

// FirstResult resolves a free-text query to the single best watch URL. The
// native clients are tried first, yt-dlp search is the fallback.
func (r *YouTubeResolver) FirstResult(ctx context.Context, query string) (string, error) {
	results, err := r.Search(ctx, query, 1)
	if err == nil && len(results) > 0 {
		return results[0].URL, nil
	}

	fallback, err := ytdlpSearch(ctx, query, 1)
	if err != nil {
		return "", err
	}
	if len(fallback) == 0 {
		return "", errors.New("no results for query")
	}
	return fallback[0].URL, nil
}

func capResults(results []SearchResult, limit int) []SearchResult {
	if limit > 0 && len(results) > limit {
		return results[:limit]
	}
	return results
}

// fastResolveMetadata resolves title/channel/duration using the native search
// client, avoiding a yt-dlp process for the common case.
func fastResolveMetadata(ctx context.Context, id string) (string, string, time.Duration, error) {
	c := ytsearch.NewClient(nil)
	res, err := c.Search(ctx, id)
	if err != nil {
		return "", "", 0, err
	}
	for _, r := range res.Results {
		if r.VideoID == id {
			return r.Title, r.Channel, parseDurationColon(r.Duration), nil
		}
	}
	return "", "", 0, errors.New("not found")
}

// parseDurationColon parses duration strings like "3:20" or "1:05:20"
func parseDurationColon(s string) time.Duration {
	d, err := ParseTimestamp(s)
	if err != nil {
		return 0
	}
	return d
}

// ============================================================================
// yt-dlp wrappers
// ============================================================================

type ytdlpSearchResult struct {
	URL      string
	Title    string
	Uploader string
	Duration time.Duration
}

func newYtdlp() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if proxy := os.Getenv("YOUTUBE_PROXY"); proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd
}

// buildYtdlpArgs returns common args for yt-dlp commands
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "20",
		"--fragment-retries", "20",
	)
	return args
}

func ytdlpSearch(ctx context.Context, q string, m int) ([]ytdlpSearchResult, error) {
	cmd := newYtdlp()

	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		PreferFreeFormats().
		Run(ctx, append(args, fmt.Sprintf("ytsearch%d:%s", m, q))...)

	if err != nil {
		return nil, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	rs := make([]ytdlpSearchResult, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		u := ps[0]
		if videoID(u) != "" {
			rs = append(rs, ytdlpSearchResult{URL: u, Title: ps[1], Uploader: ps[2], Duration: d})
		}
	}
	return rs, nil
}

// ytdlpProbe resolves full metadata for one URL, including liveness.
func ytdlpProbe(ctx context.Context, u string) (*TrackMetadata, error) {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	cmd := newYtdlp()

	args := append(buildYtdlpArgs(), "--skip-download")
	res, err := cmd.
		Print("%(id)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(is_live)s\t%(thumbnail)s").
		NoSimulate().
		IgnoreConfig().
		NoWarnings().
		Run(ctx, append(args, u)...)

	if err != nil {
		stderr := strings.ToLower(res.Stderr)
		if strings.Contains(stderr, "drm") {
			return nil, fmt.Errorf("DRM: %w", err)
		}
		if res.Stderr != "" {
			return nil, fmt.Errorf("%w: %s", err, Truncate(res.Stderr, 300))
		}
		return nil, err
	}

	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 5 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		meta := &TrackMetadata{
			URL:      watchURL(ps[0]),
			Title:    ps[1],
			Author:   ps[2],
			Duration: d,
			Live:     strings.EqualFold(ps[4], "true"),
		}
		if len(ps) >= 6 && ps[5] != "NA" {
			meta.ThumbnailURL = ps[5]
		} else {
			meta.ThumbnailURL = thumbnailURL(ps[0])
		}
		return meta, nil
	}
	return nil, errors.New("failed to parse metadata")
}

// ytdlpStream writes the best audio stream to out, optionally starting at an
// offset. A broken pipe means the consumer went away first and is not an error.
func ytdlpStream(ctx context.Context, u string, ss time.Duration, out io.Writer) error {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	cmd := newYtdlp()

	proxy := os.Getenv("YOUTUBE_PROXY")

	args := buildYtdlpArgs()
	args = append(args, "--ignore-config")
	if ss > 0 {
		args = append(args, "--ss", fmt.Sprintf("%.3f", ss.Seconds()))
	}
	execCmd := cmd.
		Format("bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best").
		Output("-").
		NoSimulate().
		NoPart().
		NoPlaylist().
		NoCheckCertificates().
		BuildCommand(ctx, append(args, u)...)

	execCmd.Stdout = out
	execCmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	if proxy != "" {
		execCmd.Env = append(execCmd.Env, "http_proxy="+proxy, "https_proxy="+proxy, "all_proxy="+proxy)
	}
	execCmd.WaitDelay = 0

	var stderr bytes.Buffer
	execCmd.Stderr = &stderr

	if err := execCmd.Start(); err != nil {
		return err
	}

	if err := execCmd.Wait(); err != nil {
		msg := strings.ToLower(err.Error() + stderr.String())
		if strings.Contains(msg, "broken pipe") || strings.Contains(msg, "signal: killed") {
			return nil
		}
		LogResolver("yt-dlp stream failed: %v, stderr: %s", err, Truncate(stderr.String(), 300))
		return fmt.Errorf("%w: %s", err, Truncate(stderr.String(), 300))
	}

	return nil
}

// ytdlpExtractPlaylist lists up to m canonical watch URLs for a playlist URL.
func ytdlpExtractPlaylist(ctx context.Context, u string, m int) ([]string, error) {
	cmd := newYtdlp()

	args := buildYtdlpArgs()
	execCmd := cmd.
		FlatPlaylist().
		Print("%(id)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		BuildCommand(ctx, append(args, u, "--yes-playlist")...)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	if err := execCmd.Run(); err != nil {
		return nil, fmt.Errorf("yt-dlp playlist failed: %w, stderr: %s", err, Truncate(stderr.String(), 300))
	}

	ls := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	urls := make([]string, 0, len(ls))
	for _, l := range ls {
		id := strings.TrimSpace(l)
		if id == "" || id == "NA" {
			continue
		}
		urls = append(urls, watchURL(id))
	}
	return urls, nil
}
