package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)

	OnClientReady(func(ctx context.Context, client bot.Client) {
		RegisterDaemon(LogVoice, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				if MusicManager != nil {
					LogVoice("Shutting down Music Manager...")
					MusicManager.Shutdown(context.Background())
				}
			}
		})

		ms := GetMusicSystem()
		RegisterVoiceStateUpdateHandler(ms.onVoiceStateUpdate)
	})
}

// ===========================
// Constants & Variables
// ===========================

var (
	MusicManager *MusicSystem
	OnceMusic    sync.Once

	// Audio
	OpusSilence     = []byte{0xf8, 0xff, 0xfe}
	SilenceDuration = 1 * time.Second
)

const maxFailStreak = 5

// ===========================
// Structs
// ===========================

// MusicSystem manages all music sessions across guilds
type MusicSystem struct {
	mu         sync.Mutex
	sessions   map[snowflake.ID]*MusicSession
	classifier *Classifier
	resolvers  *Resolvers
	cfg        *Config

	// joinBackoff scales the reconnect backoff. Zero means one second.
	joinBackoff time.Duration
}

// LoopMode controls what happens when a track finishes naturally.
type LoopMode int

const (
	LoopOff LoopMode = iota
	LoopSingle
	LoopWhole
)

func (m LoopMode) String() string {
	switch m {
	case LoopSingle:
		return "single"
	case LoopWhole:
		return "whole"
	default:
		return "off"
	}
}

// QueueEntry is one queued track. Entries under whole-queue loop are
// duplicated into the session snapshot at enqueue time, so mutating a live
// entry never touches its snapshot twin.
type QueueEntry struct {
	URL          string
	Title        string
	Author       string
	ThumbnailURL string
	Duration     time.Duration
	Live         bool
	Provider     Provider
	RequesterID  snowflake.ID
	refreshed    bool
}

func (e *QueueEntry) Display() string {
	if e.Title == "" {
		return e.URL
	}
	if e.Author == "" || e.Author == "NA" {
		return e.Title
	}
	return fmt.Sprintf("%s · %s", e.Title, e.Author)
}

func (e *QueueEntry) clone() *QueueEntry {
	c := *e
	c.refreshed = false
	return &c
}

// PlaybackClock tracks the playhead of the current track in wall time,
// freezing while paused.
type PlaybackClock struct {
	mu          sync.Mutex
	startedAt   time.Time
	accumulated time.Duration
	running     bool
}

func (c *PlaybackClock) StartAt(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulated = offset
	c.startedAt = time.Now()
	c.running = true
}

func (c *PlaybackClock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.accumulated += time.Since(c.startedAt)
		c.running = false
	}
}

func (c *PlaybackClock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		c.startedAt = time.Now()
		c.running = true
	}
}

func (c *PlaybackClock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulated = 0
	c.running = false
}

func (c *PlaybackClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return c.accumulated + time.Since(c.startedAt)
	}
	return c.accumulated
}

// MusicSession represents an active voice connection for a guild
type MusicSession struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	channelMu sync.RWMutex
	Conn      voice.Conn

	client    bot.Client
	resolvers *Resolvers
	system    *MusicSystem

	cancelCtx  context.Context
	cancelFunc context.CancelFunc

	queueMu      sync.Mutex
	queue        []*QueueEntry
	loopMode     LoopMode
	loopSnapshot []*QueueEntry
	current      *QueueEntry
	playing      bool
	failStreak   int
	restartAt    *time.Duration
	skipPending  bool
	streamSeq    uint64
	streamCancel context.CancelFunc
	provider     *StreamProvider
	transcoder   *OpusTranscoder

	// play starts one entry and blocks until its stream ends. Swappable so
	// queue semantics can run without a live connection.
	play func(ctx context.Context, entry *QueueEntry, offset time.Duration) error

	Clock PlaybackClock

	pauseChan chan struct{}
	pauseMu   sync.RWMutex

	joined       bool
	joinedMu     sync.Mutex
	joinedChan   chan struct{}
	joinedChanMu sync.Mutex

	statusMu   sync.Mutex
	statusChan chan string
	lastStatus string

	leaveMu    sync.Mutex
	leaveTimer *time.Timer

	goroutineWg sync.WaitGroup
}

// StreamProvider provides a stream of audio frames to the voice gateway
type StreamProvider struct {
	frames        chan []byte
	OnFinish      func()
	once          sync.Once
	sess          *MusicSession
	ctx           context.Context
	draining      bool
	silenceFrames int
}

// ===========================
// Music System
// ===========================

// GetMusicSystem returns the singleton MusicSystem instance
func GetMusicSystem() *MusicSystem {
	OnceMusic.Do(func() {
		cfg := GlobalConfig
		classifier := NewClassifier(cfg.SpotifyClientID != "" && cfg.SpotifyClientSecret != "")
		MusicManager = &MusicSystem{
			sessions:   make(map[snowflake.ID]*MusicSession),
			classifier: classifier,
			resolvers:  NewResolvers(cfg, classifier),
			cfg:        cfg,
		}
	})
	return MusicManager
}

// GetSession retrieves the music session for a guild
func (ms *MusicSystem) GetSession(guildID snowflake.ID) *MusicSession {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.sessions[guildID]
}

func (ms *MusicSystem) SessionCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.sessions)
}

// Prepare creates or retrieves a music session for a guild
func (ms *MusicSystem) Prepare(client bot.Client, guildID, channelID snowflake.ID) *MusicSession {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if sess, ok := ms.sessions[guildID]; ok {
		// If session is dead (canceled), discard it and create a new one
		if sess.cancelCtx.Err() != nil {
			delete(ms.sessions, guildID)
		} else {
			sess.channelMu.Lock()
			oldChannelID := sess.ChannelID
			if oldChannelID != channelID {
				sess.ChannelID = channelID
				sess.channelMu.Unlock()
				go clearVoiceStatus(client, oldChannelID)
			} else {
				sess.channelMu.Unlock()
			}
			return sess
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &MusicSession{
		GuildID:    guildID,
		ChannelID:  channelID,
		Conn:       client.VoiceManager.CreateConn(guildID),
		client:     client,
		resolvers:  ms.resolvers,
		system:     ms,
		cancelCtx:  ctx,
		cancelFunc: cancel,
		queue:      make([]*QueueEntry, 0),
		statusChan: make(chan string, 10),
		joinedChan: make(chan struct{}),
		pauseChan:  make(chan struct{}),
	}
	sess.play = sess.playEntry
	close(sess.pauseChan)

	sess.goroutineWg.Add(1)
	go func() {
		defer sess.goroutineWg.Done()
		sess.statusManager()
	}()
	ms.sessions[guildID] = sess
	return sess
}

// Join connects the bot to a voice channel
func (ms *MusicSystem) Join(ctx context.Context, client bot.Client, guildID, channelID snowflake.ID) error {
	sess := ms.Prepare(client, guildID, channelID)

	sess.joinedMu.Lock()
	if sess.joined && sess.ChannelID == channelID {
		sess.joinedMu.Unlock()
		return nil
	}
	sess.joinedMu.Unlock()

	LogVoice("Joining channel %s in guild %s", channelID, guildID)

	unit := ms.joinBackoff
	if unit == 0 {
		unit = time.Second
	}

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * unit
			LogVoice("Retrying voice connection in %v (Attempt %d/5)", backoff, i+1)
			time.Sleep(backoff)
		}
		if err := sess.Conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		LogVoice("Failed to connect to voice in guild %s after 5 attempts: %v", guildID, lastErr)
		// The session was registered by Prepare. Tear it down fully so a
		// failed connect never leaves a phantom entry behind.
		ms.Leave(ctx, guildID)
		return lastErr
	}

	sess.joinedMu.Lock()
	if !sess.joined {
		sess.joined = true
		sess.joinedChanMu.Lock()
		select {
		case <-sess.joinedChan:
		default:
			close(sess.joinedChan)
		}
		sess.joinedChanMu.Unlock()
		sess.goroutineWg.Add(1)
		go sess.monitorConnection()
	}
	sess.joinedMu.Unlock()
	return nil
}

func (s *MusicSession) Reconnect(ctx context.Context) error {
	s.channelMu.RLock()
	cid := s.ChannelID
	s.channelMu.RUnlock()
	return GetMusicSystem().Join(ctx, s.client, s.GuildID, cid)
}

func (s *MusicSession) monitorConnection() {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("CRITICAL: monitorConnection panic recovered: %v", r)
		}
	}()
	defer s.goroutineWg.Done()
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case <-ticker.C:
			s.joinedMu.Lock()
			joined := s.joined
			s.joinedMu.Unlock()
			if !joined {
				_ = s.Reconnect(s.cancelCtx)
			}
		}
	}
}

// Leave disconnects the bot from a voice channel and destroys the session
func (ms *MusicSystem) Leave(ctx context.Context, guildID snowflake.ID) {
	ms.mu.Lock()
	sess, ok := ms.sessions[guildID]
	if !ok {
		ms.mu.Unlock()
		return
	}
	delete(ms.sessions, guildID)
	ms.mu.Unlock()

	sess.channelMu.RLock()
	channelID := sess.ChannelID
	sess.channelMu.RUnlock()

	clearVoiceStatus(sess.client, channelID)

	sess.Stop()
	sess.joinedMu.Lock()
	sess.joined = false
	sess.joinedMu.Unlock()
	if sess.Conn != nil {
		sess.Conn.Close(ctx)
	}
}

// Shutdown gracefully stops all music sessions and clears their status
func (ms *MusicSystem) Shutdown(ctx context.Context) {
	ms.mu.Lock()
	sessions := make([]*MusicSession, 0, len(ms.sessions))
	for id, sess := range ms.sessions {
		sessions = append(sessions, sess)
		delete(ms.sessions, id)
	}
	ms.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *MusicSession) {
			defer wg.Done()
			s.channelMu.RLock()
			channelID := s.ChannelID
			s.channelMu.RUnlock()

			clearVoiceStatus(s.client, channelID)
			s.Stop()
			if s.Conn != nil {
				s.Conn.Close(ctx)
			}
		}(sess)
	}
	wg.Wait()
}

func clearVoiceStatus(client bot.Client, channelID snowflake.ID) {
	if channelID == 0 {
		return
	}
	route := rest.NewEndpoint(http.MethodPut, "/channels/"+channelID.String()+"/voice-status")
	_ = client.Rest.Do(route.Compile(nil), map[string]string{"status": ""}, nil)
}

// PlayRequest carries everything needed to turn one user input into
// queued tracks.
type PlayRequest struct {
	GuildID        snowflake.ID
	VoiceChannelID snowflake.ID
	RequesterID    snowflake.ID
	Query          string
	SearchHint     Provider
	PlayNow        bool
}

// Play classifies the query, resolves it into one or more tracks, connects
// the session, and enqueues. It returns the queued entries and the queue
// position of the first one (1-based, 0 meaning it plays immediately).
func (ms *MusicSystem) Play(ctx context.Context, client bot.Client, req PlayRequest) ([]*QueueEntry, int, error) {
	entries, err := ms.resolveEntries(ctx, req)
	if err != nil {
		return nil, 0, err
	}

	if err := ms.Join(ctx, client, req.GuildID, req.VoiceChannelID); err != nil {
		return nil, 0, fmt.Errorf("could not join the voice channel: %w", err)
	}

	sess := ms.GetSession(req.GuildID)
	if sess == nil {
		return nil, 0, errors.New("not connected to voice")
	}

	LogMusic("Queuing %d track(s) in guild %s: %s", len(entries), req.GuildID, req.Query)
	if req.PlayNow {
		sess.EnqueueNext(entries)
		return entries, 0, nil
	}
	pos := sess.Enqueue(entries)
	return entries, pos, nil
}

// resolveEntries runs the classification pipeline: spotify redirect, search,
// playlist expansion, then the pre-playback content gate on single tracks.
func (ms *MusicSystem) resolveEntries(ctx context.Context, req PlayRequest) ([]*QueueEntry, error) {
	c := ms.classifier.Classify(req.Query, req.SearchHint)

	// Spotify tracks never stream from Spotify: translate the link into a
	// search query and continue on YouTube.
	if c.Provider == ProviderSpotify {
		query, err := ms.resolvers.Spotify.TrackQuery(ctx, c.URL)
		if err != nil {
			return nil, fmt.Errorf("could not resolve the spotify track: %w", err)
		}
		c = Classification{Provider: ProviderYouTube, Search: true, Query: query}
	}

	resolver, err := ms.resolvers.For(c.Provider)
	if err != nil {
		return nil, err
	}

	if c.Search {
		u, err := ms.searchFirst(ctx, c.Provider, resolver, c.Query)
		if err != nil {
			return nil, err
		}
		c.URL = u
	}

	if c.Playlist {
		urls, err := resolver.ListPlaylist(ctx, c.URL)
		if err != nil || len(urls) == 0 {
			LogMusic("Playlist expansion failed for %s, playing as single track: %v", c.URL, err)
		} else {
			entries := make([]*QueueEntry, 0, len(urls))
			for _, u := range urls {
				entries = append(entries, &QueueEntry{
					URL:         u,
					Provider:    c.Provider,
					RequesterID: req.RequesterID,
				})
			}
			return entries, nil
		}
	}

	meta, err := resolver.BasicInfo(ctx, c.URL)
	if ce := ms.contentGate(c.Provider, meta, err); !ce.Playable() {
		return nil, errors.New(ce.Explain())
	}

	entry := &QueueEntry{
		URL:         c.URL,
		Provider:    c.Provider,
		RequesterID: req.RequesterID,
	}
	if meta != nil {
		entry.Title = meta.Title
		entry.Author = meta.Author
		entry.ThumbnailURL = meta.ThumbnailURL
		entry.Duration = meta.Duration
		entry.Live = meta.Live
	}
	return []*QueueEntry{entry}, nil
}

func (ms *MusicSystem) searchFirst(ctx context.Context, p Provider, resolver Resolver, query string) (string, error) {
	if p == ProviderYouTube {
		return ms.resolvers.YouTube.FirstResult(ctx, query)
	}
	results, err := resolver.Search(ctx, query, 1)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", errors.New("no results found")
	}
	return results[0].URL, nil
}

// Search exposes provider search for the command layer.
func (ms *MusicSystem) Search(ctx context.Context, p Provider, query string, limit int) ([]SearchResult, error) {
	resolver, err := ms.resolvers.For(p)
	if err != nil {
		return nil, err
	}
	return resolver.Search(ctx, query, limit)
}

func (ms *MusicSystem) Resolvers() *Resolvers   { return ms.resolvers }
func (ms *MusicSystem) Classifier() *Classifier { return ms.classifier }

func (ms *MusicSystem) contentGate(p Provider, meta *TrackMetadata, err error) ContentError {
	if p == ProviderYouTube {
		return classifyContent(meta, err, ms.cfg.DurationLimit)
	}
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return ContentTransportError
		}
		return ContentUnknown
	}
	if meta != nil && !meta.Live && meta.Duration >= ms.cfg.DurationLimit {
		return ContentTooLong
	}
	return ContentGood
}

// ===========================
// Voice State Tracking
// ===========================

// onVoiceStateUpdate handles voice state changes: external disconnects, bot
// moves, and the empty-channel leave timer.
func (ms *MusicSystem) onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	ms.mu.Lock()
	s, ok := ms.sessions[event.VoiceState.GuildID]
	ms.mu.Unlock()

	if event.VoiceState.UserID == event.Client().ID() {
		ms.handleBotVoiceStateUpdate(event, s, ok)
		return
	}

	if ok {
		ms.updateAutoLeaveState(event, s)
	}
}

func (ms *MusicSystem) handleBotVoiceStateUpdate(event *events.GuildVoiceStateUpdate, s *MusicSession, ok bool) {
	if event.VoiceState.ChannelID == nil {
		if ok {
			LogVoice("Bot disconnected by external event in guild %s", event.VoiceState.GuildID)
			ms.Leave(context.Background(), event.VoiceState.GuildID)
		}
		return
	}

	if !ok {
		return
	}

	s.channelMu.RLock()
	currentChannelID := s.ChannelID
	s.channelMu.RUnlock()

	if currentChannelID == 0 || *event.VoiceState.ChannelID != currentChannelID {
		LogVoice("Bot moved from %s to %s in guild %s", currentChannelID, *event.VoiceState.ChannelID, event.VoiceState.GuildID)

		if currentChannelID != 0 {
			clearVoiceStatus(*event.Client(), currentChannelID)
		}

		s.channelMu.Lock()
		s.ChannelID = *event.VoiceState.ChannelID
		s.channelMu.Unlock()
		s.statusMu.Lock()
		status := s.lastStatus
		s.statusMu.Unlock()
		s.setVoiceStatus(status)
	}
}

// updateAutoLeaveState arms a leave timer when the last human leaves the
// channel and disarms it when one comes back.
func (ms *MusicSystem) updateAutoLeaveState(event *events.GuildVoiceStateUpdate, s *MusicSession) {
	s.channelMu.RLock()
	currentChannelID := s.ChannelID
	s.channelMu.RUnlock()

	if currentChannelID == 0 {
		return
	}
	humanCount := 0
	for state := range event.Client().Caches.VoiceStates(event.VoiceState.GuildID) {
		if state.ChannelID != nil && *state.ChannelID == currentChannelID && state.UserID != event.Client().ID() {
			if m, ok := event.Client().Caches.Member(event.VoiceState.GuildID, state.UserID); !ok || !m.User.Bot {
				humanCount++
			}
		}
	}

	s.leaveMu.Lock()
	defer s.leaveMu.Unlock()
	if humanCount == 0 {
		if s.leaveTimer != nil {
			return
		}
		guildID := s.GuildID
		delay := ms.cfg.AutoLeave
		LogVoice("Channel empty in guild %s, leaving in %v", guildID, delay)
		s.leaveTimer = time.AfterFunc(delay, func() {
			LogVoice("Leaving empty channel in guild %s", guildID)
			ms.Leave(context.Background(), guildID)
		})
	} else if s.leaveTimer != nil {
		s.leaveTimer.Stop()
		s.leaveTimer = nil
	}
}

// ===========================
// Music Session
// ===========================

// Enqueue appends entries and starts playback if the session is idle.
// Returns the 1-based queue position of the first entry (0 when it is
// picked up immediately).
func (s *MusicSession) Enqueue(entries []*QueueEntry) int {
	s.queueMu.Lock()
	wasIdle := !s.playing && len(s.queue) == 0
	s.queue = append(s.queue, entries...)
	if s.loopMode == LoopWhole {
		for _, e := range entries {
			s.loopSnapshot = append(s.loopSnapshot, e.clone())
		}
	}
	pos := len(s.queue) - len(entries)
	s.startLocked(0)
	s.queueMu.Unlock()

	if wasIdle {
		return 0
	}
	return pos
}

// EnqueueNext inserts entries directly behind the current track and, when
// something is already playing, skips straight to them.
func (s *MusicSession) EnqueueNext(entries []*QueueEntry) {
	s.queueMu.Lock()
	if !s.playing || len(s.queue) == 0 {
		s.queue = append(s.queue, entries...)
		if s.loopMode == LoopWhole {
			for _, e := range entries {
				s.loopSnapshot = append(s.loopSnapshot, e.clone())
			}
		}
		s.startLocked(0)
		s.queueMu.Unlock()
		return
	}
	rest := append([]*QueueEntry(nil), s.queue[1:]...)
	s.queue = append(append(s.queue[:1:1], entries...), rest...)
	if s.loopMode == LoopWhole {
		for _, e := range entries {
			s.loopSnapshot = append(s.loopSnapshot, e.clone())
		}
	}
	s.queueMu.Unlock()

	_, _ = s.Skip()
}

// Queue returns a copy of the pending entries plus the current one.
func (s *MusicSession) Queue() (current *QueueEntry, pending []*QueueEntry) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	current = s.current
	start := 0
	if s.playing && len(s.queue) > 0 && s.queue[0] == s.current {
		start = 1
	}
	pending = append([]*QueueEntry(nil), s.queue[start:]...)
	return current, pending
}

func (s *MusicSession) Current() *QueueEntry {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.current
}

func (s *MusicSession) LoopMode() LoopMode {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.loopMode
}

// SetLoop switches the loop mode. Entering whole-queue loop snapshots the
// queue as it stands; the snapshot refills the queue when it runs out.
func (s *MusicSession) SetLoop(mode LoopMode) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if s.loopMode == mode {
		return
	}
	s.loopMode = mode
	if mode == LoopWhole {
		s.loopSnapshot = make([]*QueueEntry, 0, len(s.queue))
		for _, e := range s.queue {
			s.loopSnapshot = append(s.loopSnapshot, e.clone())
		}
	} else {
		s.loopSnapshot = nil
	}
}

// startLocked begins playing the queue head if the session is idle.
// Caller holds queueMu.
func (s *MusicSession) startLocked(offset time.Duration) {
	if s.playing || len(s.queue) == 0 || s.cancelCtx.Err() != nil {
		return
	}
	entry := s.queue[0]
	s.playing = true
	s.current = entry
	seq := atomic.AddUint64(&s.streamSeq, 1)
	ctx, cancel := context.WithCancel(s.cancelCtx)
	s.streamCancel = cancel

	s.goroutineWg.Add(1)
	go func() {
		defer s.goroutineWg.Done()
		defer cancel()
		err := s.play(ctx, entry, offset)
		if err != nil && ctx.Err() == nil && !entry.refreshed && isExpiredStream(err) {
			// Stream URLs go stale mid-track. One fresh resolution after a
			// short pause usually recovers.
			entry.refreshed = true
			LogMusic("Stream expired for %s, retrying once: %v", entry.URL, err)
			select {
			case <-time.After(2 * time.Second):
				err = s.play(ctx, entry, s.Clock.Elapsed())
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		s.onStreamEnd(seq, entry, err)
	}()
}

// onStreamEnd decides what plays next once a stream goroutine finishes.
func (s *MusicSession) onStreamEnd(seq uint64, entry *QueueEntry, err error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if atomic.LoadUint64(&s.streamSeq) != seq || s.cancelCtx.Err() != nil {
		return
	}
	s.playing = false
	s.current = nil
	s.Clock.Stop()

	// A pending seek restarts the same entry instead of advancing.
	if s.restartAt != nil {
		offset := *s.restartAt
		s.restartAt = nil
		s.startLocked(offset)
		return
	}

	forced := s.skipPending
	s.skipPending = false

	canceled := err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
	if err != nil && !canceled {
		LogMusic("Playback failed for %s in guild %s: %v", entry.URL, s.GuildID, err)
		s.failStreak++
		forced = true
	} else if err == nil {
		s.failStreak = 0
	}

	if s.failStreak >= maxFailStreak {
		LogMusic("Too many consecutive playback failures in guild %s, clearing queue", s.GuildID)
		s.failStreak = 0
		s.queue = nil
		s.teardownLocked()
		return
	}

	s.advanceLocked(forced)
	s.startLocked(0)
	if len(s.queue) == 0 && !s.playing {
		s.teardownLocked()
	}
}

// teardownLocked schedules session destruction once the queue has run dry.
// A session never idles with an empty queue. Caller holds queueMu.
func (s *MusicSession) teardownLocked() {
	s.setVoiceStatus("")
	if s.system == nil {
		return
	}
	sys, guildID := s.system, s.GuildID
	safeGo(func() {
		sys.Leave(context.Background(), guildID)
	})
}

// advanceLocked pops the finished head according to the loop mode.
// Caller holds queueMu.
func (s *MusicSession) advanceLocked(forced bool) {
	if len(s.queue) == 0 {
		return
	}
	if s.loopMode == LoopSingle && !forced {
		// Head replays.
		return
	}
	s.queue = s.queue[1:]
	if s.loopMode == LoopWhole && len(s.queue) == 0 && len(s.loopSnapshot) > 0 {
		refill := make([]*QueueEntry, 0, len(s.loopSnapshot))
		for _, e := range s.loopSnapshot {
			refill = append(refill, e.clone())
		}
		s.queue = refill
	}
}

// Skip skips the currently playing track
func (s *MusicSession) Skip() (string, error) {
	s.queueMu.Lock()
	if !s.playing || s.current == nil {
		s.queueMu.Unlock()
		return "", errors.New("nothing playing")
	}
	s.skipPending = true
	title := s.current.Display()
	cancel := s.streamCancel
	s.queueMu.Unlock()

	if cancel != nil {
		cancel()
	}
	return title, nil
}

// Seek restarts the current track at an absolute offset.
func (s *MusicSession) Seek(target time.Duration) error {
	if target < 0 {
		target = 0
	}
	s.queueMu.Lock()
	if !s.playing || s.current == nil {
		s.queueMu.Unlock()
		return errors.New("nothing playing")
	}
	if s.current.Live {
		s.queueMu.Unlock()
		return errors.New("cannot seek a live stream")
	}
	if d := s.current.Duration; d > 0 && target >= d {
		s.queueMu.Unlock()
		return errors.New("that offset is past the end of the track")
	}
	s.restartAt = &target
	cancel := s.streamCancel
	s.queueMu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *MusicSession) Paused() bool {
	s.pauseMu.RLock()
	defer s.pauseMu.RUnlock()
	select {
	case <-s.pauseChan:
		return false
	default:
		return true
	}
}

// Pause freezes frame delivery and the playback clock.
func (s *MusicSession) Pause() bool {
	s.pauseMu.Lock()
	select {
	case <-s.pauseChan:
	default:
		s.pauseMu.Unlock()
		return false
	}
	s.pauseChan = make(chan struct{})
	s.pauseMu.Unlock()
	s.Clock.Pause()

	s.statusMu.Lock()
	status := s.lastStatus
	s.statusMu.Unlock()
	if status != "" {
		s.setVoiceStatus("⏸️ " + status)
	}
	return true
}

func (s *MusicSession) Resume() bool {
	s.pauseMu.Lock()
	select {
	case <-s.pauseChan:
		s.pauseMu.Unlock()
		return false
	default:
	}
	close(s.pauseChan)
	s.pauseMu.Unlock()
	s.Clock.Resume()

	s.statusMu.Lock()
	status := s.lastStatus
	s.statusMu.Unlock()
	s.setVoiceStatus(status)
	return true
}

// WaitJoined waits for the bot to join the voice channel
func (s *MusicSession) WaitJoined(ctx context.Context) error {
	select {
	case <-s.joinedChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.cancelCtx.Done():
		return errors.New("session closed")
	}
}

// Stop stops playback and clears the queue
func (s *MusicSession) Stop() {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	s.queueMu.Lock()
	if s.streamCancel != nil {
		s.streamCancel()
	}
	s.queue = nil
	s.loopSnapshot = nil
	s.current = nil
	s.playing = false
	s.queueMu.Unlock()

	if s.Conn != nil {
		s.setOpusFrameProviderSafe(nil)
		s.setSpeakingSafe(0)
	}

	s.leaveMu.Lock()
	if s.leaveTimer != nil {
		s.leaveTimer.Stop()
		s.leaveTimer = nil
	}
	s.leaveMu.Unlock()

	s.Clock.Stop()
	s.setVoiceStatus("")
}

// WaitForCleanup waits for all session goroutines to exit
func (s *MusicSession) WaitForCleanup() {
	s.goroutineWg.Wait()
}

// ===========================
// Voice Channel Status
// ===========================

// setVoiceStatus updates the voice channel status message
func (s *MusicSession) setVoiceStatus(status string) {
	select {
	case s.statusChan <- status:
	default:
	}
}

// statusManager serializes voice status updates, collapsing bursts
func (s *MusicSession) statusManager() {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("CRITICAL: statusManager panic recovered: %v", r)
		}
	}()
	var cur string
	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case n := <-s.statusChan:
		drain:
			for {
				select {
				case m := <-s.statusChan:
					n = m
				default:
					break drain
				}
			}

			if n == cur {
				continue
			}

			s.statusMu.Lock()
			target := n
			if len([]rune(target)) > 128 {
				target = TruncateCenter(target, 128)
			}
			if target != "" && !strings.HasPrefix(target, "⏸️") {
				s.lastStatus = target
			}
			s.channelMu.RLock()
			channelID := s.ChannelID
			s.channelMu.RUnlock()

			// Fire and forget (log error if any)
			go func(cid snowflake.ID, status string) {
				err := s.client.Rest.Do(rest.NewEndpoint(http.MethodPut, "/channels/"+cid.String()+"/voice-status").Compile(nil), map[string]string{"status": status}, nil)
				if err != nil {
					LogVoice("Failed to update status for %s: %v", cid, err)
				}
			}(channelID, target)

			cur = target
			s.statusMu.Unlock()
		}
	}
}

// setOpusFrameProviderSafe sets the opus frame provider safely, recovering from any potential panics
func (s *MusicSession) setOpusFrameProviderSafe(provider voice.OpusFrameProvider) {
	if s.cancelCtx.Err() != nil {
		return
	}
	if s.Conn == nil || (reflect.ValueOf(s.Conn).Kind() == reflect.Ptr && reflect.ValueOf(s.Conn).IsNil()) {
		return
	}

	for i := range 3 {
		if s.trySetOpusFrameProvider(provider) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-s.cancelCtx.Done():
				return
			}
		}
		if s.cancelCtx.Err() != nil {
			return
		}
	}
	LogVoice("Exhausted retries for SetOpusFrameProvider in guild %s", s.GuildID)
}

func (s *MusicSession) trySetOpusFrameProvider(provider voice.OpusFrameProvider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	s.Conn.SetOpusFrameProvider(provider)
	return true
}

// setSpeakingSafe sets the speaking state safely
func (s *MusicSession) setSpeakingSafe(flags voice.SpeakingFlags) {
	if s.cancelCtx.Err() != nil {
		return
	}
	if s.Conn == nil || (reflect.ValueOf(s.Conn).Kind() == reflect.Ptr && reflect.ValueOf(s.Conn).IsNil()) {
		return
	}

	for i := 0; i < 3; i++ {
		if s.trySetSpeaking(flags) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-s.cancelCtx.Done():
				return
			}
		}
		if s.cancelCtx.Err() != nil {
			return
		}
	}
	LogVoice("Exhausted retries for SetSpeaking in guild %s", s.GuildID)
}

func (s *MusicSession) trySetSpeaking(flags voice.SpeakingFlags) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	s.Conn.SetSpeaking(s.cancelCtx, flags)
	return true
}

// ===========================
// Streaming
// ===========================

func isExpiredStream(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "403") || strings.Contains(msg, "Forbidden")
}

// playEntry resolves fresh metadata, opens the source, and streams it until
// it ends or the context is canceled.
func (s *MusicSession) playEntry(ctx context.Context, entry *QueueEntry, offset time.Duration) error {
	resolver, err := s.resolvers.For(entry.Provider)
	if err != nil {
		return err
	}

	if entry.Title == "" {
		if meta, err := resolver.BasicInfo(ctx, entry.URL); err == nil && meta != nil {
			s.queueMu.Lock()
			entry.Title = meta.Title
			entry.Author = meta.Author
			entry.ThumbnailURL = meta.ThumbnailURL
			entry.Duration = meta.Duration
			entry.Live = meta.Live
			s.queueMu.Unlock()
		}
	}

	src, err := resolver.OpenStream(ctx, entry.URL, offset)
	if err != nil {
		return err
	}
	defer src.Close()

	LogMusic("Playing in guild %s: %s [%s]", s.GuildID, entry.Display(), entry.Provider)
	return s.streamSource(ctx, entry, src, offset)
}

func (s *MusicSession) streamSource(ctx context.Context, entry *QueueEntry, src *StreamSource, offset time.Duration) error {
	p := NewStreamProvider(s)
	done := make(chan struct{})
	p.OnFinish = func() {
		close(done)
	}
	p.SetContext(ctx)

	s.queueMu.Lock()
	s.provider = p
	s.queueMu.Unlock()

	transcodeErr := make(chan error, 1)
	go func() {
		defer p.PushFrame(nil)
		t := NewOpusTranscoder()
		defer func() {
			s.queueMu.Lock()
			if s.transcoder == t {
				s.transcoder = nil
			}
			s.queueMu.Unlock()
		}()
		defer t.Close()

		if err := t.OpenInput(src.URL, src.Reader); err != nil {
			transcodeErr <- fmt.Errorf("transcoder open failed: %w", err)
			return
		}

		s.queueMu.Lock()
		s.transcoder = t
		s.queueMu.Unlock()

		if err := t.SetupDecoder(); err != nil {
			transcodeErr <- fmt.Errorf("transcoder decoder setup failed: %w", err)
			return
		}
		if err := t.SetupEncoder(); err != nil {
			transcodeErr <- fmt.Errorf("transcoder encoder setup failed: %w", err)
			return
		}
		// Direct URL inputs seek here; piped inputs arrive pre-offset.
		if offset > 0 && src.Reader == nil && src.Seekable {
			if err := t.SeekTo(int64(offset.Seconds() * 48000)); err != nil {
				LogVoice("Seek to %v failed, playing from start: %v", offset, err)
			}
		}

		transcodeErr <- t.Transcode(ctx, p.PushFrame)
	}()

	if s.Conn != nil {
		s.setOpusFrameProviderSafe(p)
		s.setSpeakingSafe(voice.SpeakingFlagMicrophone)
	}
	s.Clock.StartAt(offset)
	if entry.Title != "" {
		sep := ""
		if entry.Author != "" && entry.Author != "NA" {
			sep = " · "
		}
		s.setVoiceStatus(TruncateWithPreserve(entry.Title, 128, "🎵 ", sep+entry.Author))
	}

	select {
	case <-done:
		LogVoice("Playback finished: %s", entry.Display())
	case <-ctx.Done():
		LogVoice("Playback stopped: %s", entry.Display())
	case <-s.cancelCtx.Done():
		LogVoice("Session canceled for: %s", entry.Display())
	}

	if s.currentProvider() == p {
		if s.Conn != nil {
			s.setOpusFrameProviderSafe(nil)
			s.setSpeakingSafe(0)
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-s.cancelCtx.Done():
		}
	}

	var err error
	select {
	case err = <-transcodeErr:
	default:
	}
	// The producer's own failure beats the demuxer's read error: a dead
	// yt-dlp pipe would otherwise surface as a bare EOF.
	if src.ErrC != nil {
		select {
		case perr := <-src.ErrC:
			if perr != nil {
				err = perr
			}
		default:
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *MusicSession) currentProvider() *StreamProvider {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.provider
}

// ===========================
// Stream Provider
// ===========================

func NewStreamProvider(s *MusicSession) *StreamProvider {
	return &StreamProvider{
		frames: make(chan []byte, 100),
		sess:   s,
	}
}

func (p *StreamProvider) SetContext(ctx context.Context) {
	p.ctx = ctx
}

func (p *StreamProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

func (p *StreamProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.sess.cancelCtx.Done():
	case <-p.ctx.Done():
	}
}

func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	p.sess.pauseMu.RLock()
	pauseChan := p.sess.pauseChan
	p.sess.pauseMu.RUnlock()

	select {
	case <-pauseChan:
	case <-p.sess.cancelCtx.Done():
		return nil, io.EOF
	case <-p.ctx.Done():
		return nil, io.EOF
	}

	if p.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.sess.cancelCtx.Done():
		p.Close()
		return nil, io.EOF
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}
