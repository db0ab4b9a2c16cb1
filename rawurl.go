package main

import (
	"context"
	"errors"
	"net/url"
	"path"
	"time"
)

// ============================================================================
// Raw URL Resolver
// ============================================================================

// HTTPResolver handles direct media links: anything the classifier could not
// match to a known provider but whose content type sniffs as audio, an octet
// stream, or an mp4 container. The transcoder demuxes the URL itself, so
// resolution is just the sniff plus a filename-derived title.
type HTTPResolver struct {
	classifier *Classifier
}

func NewHTTPResolver(classifier *Classifier) *HTTPResolver {
	return &HTTPResolver{classifier: classifier}
}

func (r *HTTPResolver) BasicInfo(ctx context.Context, u string) (*TrackMetadata, error) {
	sniffed, err := r.classifier.SniffURL(ctx, u)
	if err != nil {
		return nil, err
	}

	meta := &TrackMetadata{URL: sniffed.URL, Title: "Direct stream"}
	if parsed, err := url.Parse(sniffed.URL); err == nil {
		if name := path.Base(parsed.Path); name != "" && name != "/" && name != "." {
			meta.Title = name
		}
	}
	return meta, nil
}

func (r *HTTPResolver) OpenStream(ctx context.Context, u string, offset time.Duration) (*StreamSource, error) {
	sniffed, err := r.classifier.SniffURL(ctx, u)
	if err != nil {
		return nil, err
	}
	// Video containers are fine: the demuxer drops the video stream and
	// decodes the audio track. Offsets are applied by the transcoder.
	return &StreamSource{URL: sniffed.URL, Seekable: true}, nil
}

func (r *HTTPResolver) ListPlaylist(ctx context.Context, u string) ([]string, error) {
	return nil, errors.New("direct links have no playlists")
}

func (r *HTTPResolver) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return nil, errors.New("direct link search is not supported")
}
