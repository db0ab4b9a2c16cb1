package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() *MusicSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MusicSession{
		GuildID:    snowflake.ID(100),
		ChannelID:  snowflake.ID(200),
		cancelCtx:  ctx,
		cancelFunc: cancel,
		pauseChan:  make(chan struct{}),
		statusChan: make(chan string, 16),
	}
	close(s.pauseChan)
	return s
}

func testEntry(url string) *QueueEntry {
	return &QueueEntry{URL: url, Title: url, Provider: ProviderHTTP, Duration: 3 * time.Minute}
}

// playLog records every invocation of the session's play func.
type playLog struct {
	mu      sync.Mutex
	calls   []string
	offsets []time.Duration
}

func (l *playLog) record(url string, offset time.Duration) {
	l.mu.Lock()
	l.calls = append(l.calls, url)
	l.offsets = append(l.offsets, offset)
	l.mu.Unlock()
}

func (l *playLog) urls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *playLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func TestEnqueueDrainsInOrder(t *testing.T) {
	s := newTestSession()
	log := &playLog{}
	s.play = func(ctx context.Context, e *QueueEntry, offset time.Duration) error {
		log.record(e.URL, offset)
		return nil
	}

	pos := s.Enqueue([]*QueueEntry{testEntry("a"), testEntry("b"), testEntry("c")})
	assert.Equal(t, 0, pos)

	s.WaitForCleanup()
	assert.Equal(t, []string{"a", "b", "c"}, log.urls())
	assert.Nil(t, s.Current())

	current, pending := s.Queue()
	assert.Nil(t, current)
	assert.Empty(t, pending)
}

func TestEnqueuePositionWhilePlaying(t *testing.T) {
	s := newTestSession()
	started := make(chan string, 8)
	s.play = func(ctx context.Context, e *QueueEntry, offset time.Duration) error {
		started <- e.URL
		<-ctx.Done()
		return ctx.Err()
	}

	pos := s.Enqueue([]*QueueEntry{testEntry("a")})
	assert.Equal(t, 0, pos)
	require.Equal(t, "a", <-started)

	pos = s.Enqueue([]*QueueEntry{testEntry("b"), testEntry("c")})
	assert.Equal(t, 1, pos)

	current, pending := s.Queue()
	require.NotNil(t, current)
	assert.Equal(t, "a", current.URL)
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].URL)
	assert.Equal(t, "c", pending[1].URL)

	s.Stop()
	s.WaitForCleanup()
}

func TestSkipAdvances(t *testing.T) {
	s := newTestSession()
	started := make(chan string, 8)
	s.play = func(ctx context.Context, e *QueueEntry, offset time.Duration) error {
		started <- e.URL
		<-ctx.Done()
		return ctx.Err()
	}

	s.Enqueue([]*QueueEntry{testEntry("a"), testEntry("b")})
	require.Equal(t, "a", <-started)

	title, err := s.Skip()
	require.NoError(t, err)
	assert.Contains(t, title, "a")

	require.Equal(t, "b", <-started)

	s.Stop()
	s.WaitForCleanup()
}

func TestEnqueueNextJumpsTheQueue(t *testing.T) {
	s := newTestSession()
	started := make(chan string, 8)
	s.play = func(ctx context.Context, e *QueueEntry, offset time.Duration) error {
		started <- e.URL
		<-ctx.Done()
		return ctx.Err()
	}

	s.Enqueue([]*QueueEntry{testEntry("a"), testEntry("b")})
	require.Equal(t, "a", <-started)

	s.EnqueueNext([]*QueueEntry{testEntry("c")})

	// The inserted entry preempts the rest of the queue.
	require.Equal(t, "c", <-started)

	_, pending := s.Queue()
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].URL)

	s.Stop()
	s.WaitForCleanup()
}

func TestSkipNothingPlaying(t *testing.T) {
	s := newTestSession()
	_, err := s.Skip()
	assert.Error(t, err)
}

func TestLoopSingleReplaysHead(t *testing.T) {
	s := newTestSession()
	log := &playLog{}
	s.play = func(ctx context.Context, e *QueueEntry, offset time.Duration) error {
		log.record(e.URL, offset)
		if log.count() >= 3 {
			s.SetLoop(LoopOff)
		}
		return nil
	}

	s.SetLoop(LoopSingle)
	s.Enqueue([]*QueueEntry{testEntry("a"), testEntry("b")})

	s.WaitForCleanup()
	assert.Equal(t, []string{"a", "a", "a", "b"}, log.urls())
}

func TestLoopSingleSkipIsForced(t *testing.T) {
	s := newTestSession()
	started := make(chan string, 8)
	s.play = func(ctx context.Context, e *QueueEntry, offset time.Duration) error {
		started <- e.URL
		<-ctx.Done()
		return ctx.Err()
	}

	s.SetLoop(LoopSingle)
	s.Enqueue([]*QueueEntry{testEntry("a"), testEntry("b")})
	require.Equal(t, "a", <-started)

	_, err := s.Skip()
	require.NoError(t, err)

	// Skip must not replay the head even in single-loop mode.
	require.Equal(t, "b", <-started)

	s.Stop()
	s.WaitForCleanup()
}

func TestLoopWholeWrapsAround(t *testing.T) {
	s := newTestSession()
	log := &playLog{}
	s.play = func(ctx context.Context, e *QueueEntry, offset time.Duration) error {
		log.record(e.URL, offset)
		if log.count() >= 5 {
			s.Stop()
		}
		return nil
	}

	s.SetLoop(LoopWhole)
	s.Enqueue([]*QueueEntry{testEntry("a"), testEntry("b")})

	s.WaitForCleanup()
	assert.Equal(t, []string{"a", "b", "a", "b", "a"}, log.urls())
}

func TestSetLoopWholeSnapshotsQueue(t *testing.T) {
	s := newTestSession()
	started := make(chan string, 8)
	s.play = func(ctx context.Context, e *QueueEntry, offset time.Duration) error {
		started <- e.URL
		<-ctx.Done()
		return ctx.Err()
	}

	s.Enqueue([]*QueueEntry{testEntry("a"), testEntry("b")})
	require.Equal(t, "a", <-started)

	s.SetLoop(LoopWhole)
	assert.Equal(t, LoopWhole, s.LoopMode())

	// Leaving whole-loop discards the snapshot.
	s.SetLoop(LoopOff)
	s.queueMu.Lock()
	assert.Nil(t, s.loopSnapshot)
	s.queueMu.Unlock()

	s.Stop()
	s.WaitForCleanup()
}

func TestFailureStreakClearsQueue(t *testing.T) {
	s := newTestSession()
	log := &playLog{}
	s.play = func(ctx context.Context, e *QueueEntry, offset time.Duration) error {
		log.record(e.URL, offset)
		return errors.New("demuxer choked")
	}

	s.SetLoop(LoopWhole)
	s.Enqueue([]*QueueEntry{testEntry("a")})

	s.WaitForCleanup()
	assert.Equal(t, maxFailStreak, log.count())

	current, pending := s.Queue()
	assert.Nil(t, current)
	assert.Empty(t, pending)
}

func TestSeekRestartsAtOffset(t *testing.T) {
	s := newTestSession()
	log := &playLog{}
	started := make(chan struct{}, 8)
	s.play = func(ctx context.Context, e *QueueEntry, offset time.Duration) error {
		log.record(e.URL, offset)
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}

	s.Enqueue([]*QueueEntry{testEntry("a")})
	<-started

	require.NoError(t, s.Seek(30*time.Second))
	<-started

	s.Stop()
	s.WaitForCleanup()

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.calls, 2)
	assert.Equal(t, "a", log.calls[1])
	assert.Equal(t, 30*time.Second, log.offsets[1])
}

func TestSeekValidation(t *testing.T) {
	s := newTestSession()
	assert.Error(t, s.Seek(10*time.Second), "nothing playing")

	started := make(chan struct{}, 8)
	s.play = func(ctx context.Context, e *QueueEntry, offset time.Duration) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}

	live := testEntry("live")
	live.Live = true
	live.Duration = 0
	s.Enqueue([]*QueueEntry{live})
	<-started
	assert.Error(t, s.Seek(10*time.Second), "live stream")

	s.Stop()
	s.WaitForCleanup()

	s2 := newTestSession()
	s2.play = func(ctx context.Context, e *QueueEntry, offset time.Duration) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	s2.Enqueue([]*QueueEntry{testEntry("a")})
	<-started
	assert.Error(t, s2.Seek(10*time.Minute), "past end of track")

	s2.Stop()
	s2.WaitForCleanup()
}

func TestStopClearsEverything(t *testing.T) {
	s := newTestSession()
	started := make(chan struct{}, 8)
	s.play = func(ctx context.Context, e *QueueEntry, offset time.Duration) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}

	s.SetLoop(LoopWhole)
	s.Enqueue([]*QueueEntry{testEntry("a"), testEntry("b")})
	<-started

	s.Stop()
	s.WaitForCleanup()

	current, pending := s.Queue()
	assert.Nil(t, current)
	assert.Empty(t, pending)

	// Stop is idempotent.
	s.Stop()

	// A stopped session never starts another stream.
	pos := s.Enqueue([]*QueueEntry{testEntry("c")})
	assert.Equal(t, 0, pos)
	assert.Nil(t, s.Current())
}

func TestDrainedQueueTearsDownSession(t *testing.T) {
	sys := &MusicSystem{sessions: make(map[snowflake.ID]*MusicSession)}
	s := newTestSession()
	s.ChannelID = 0
	s.system = sys
	s.play = func(ctx context.Context, e *QueueEntry, offset time.Duration) error {
		return nil
	}
	sys.sessions[s.GuildID] = s

	s.Enqueue([]*QueueEntry{testEntry("a")})
	s.WaitForCleanup()

	// The registry never keeps a session with an empty queue.
	require.Eventually(t, func() bool {
		return sys.GetSession(s.GuildID) == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sys.SessionCount())
}

// deadConn refuses every connection attempt.
type deadConn struct {
	voice.Conn
	opens int
}

func (c *deadConn) Open(ctx context.Context, channelID snowflake.ID, selfMute, selfDeaf bool) error {
	c.opens++
	return errors.New("voice gateway unreachable")
}

func (c *deadConn) Close(ctx context.Context) {}

func TestFailedJoinRemovesSession(t *testing.T) {
	sys := &MusicSystem{
		sessions:    make(map[snowflake.ID]*MusicSession),
		joinBackoff: time.Millisecond,
	}
	conn := &deadConn{}
	s := newTestSession()
	s.ChannelID = 0
	s.system = sys
	s.Conn = conn
	sys.sessions[s.GuildID] = s

	err := sys.Join(context.Background(), bot.Client{}, s.GuildID, 0)
	require.Error(t, err)
	assert.Equal(t, 5, conn.opens)

	// A connect failure must not leave the session registered.
	assert.Nil(t, sys.GetSession(s.GuildID))
	assert.Equal(t, 0, sys.SessionCount())
}

func TestPauseResume(t *testing.T) {
	s := newTestSession()
	assert.False(t, s.Paused())

	assert.True(t, s.Pause())
	assert.True(t, s.Paused())
	assert.False(t, s.Pause(), "second pause is a no-op")

	assert.True(t, s.Resume())
	assert.False(t, s.Paused())
	assert.False(t, s.Resume(), "second resume is a no-op")
}

func TestPlaybackClock(t *testing.T) {
	var c PlaybackClock
	assert.Equal(t, time.Duration(0), c.Elapsed())

	c.StartAt(10 * time.Second)
	assert.GreaterOrEqual(t, c.Elapsed(), 10*time.Second)
	assert.Less(t, c.Elapsed(), 11*time.Second)

	c.Pause()
	frozen := c.Elapsed()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, frozen, c.Elapsed())

	c.Resume()
	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, c.Elapsed(), frozen)

	c.Stop()
	assert.Equal(t, time.Duration(0), c.Elapsed())
}

func TestQueueEntryDisplay(t *testing.T) {
	e := &QueueEntry{URL: "https://example.com/x.mp3"}
	assert.Equal(t, "https://example.com/x.mp3", e.Display())

	e.Title = "Song"
	assert.Equal(t, "Song", e.Display())

	e.Author = "Artist"
	assert.Equal(t, "Song · Artist", e.Display())
}

func TestQueueEntryCloneResetsRefresh(t *testing.T) {
	e := testEntry("a")
	e.refreshed = true
	c := e.clone()
	assert.False(t, c.refreshed)
	assert.Equal(t, e.URL, c.URL)
	assert.NotSame(t, e, c)
}

func TestLoopModeString(t *testing.T) {
	assert.Equal(t, "off", LoopOff.String())
	assert.Equal(t, "single", LoopSingle.String())
	assert.Equal(t, "whole", LoopWhole.String())
}

func TestIsExpiredStream(t *testing.T) {
	assert.True(t, isExpiredStream(errors.New("HTTP error 403 Forbidden")))
	assert.True(t, isExpiredStream(errors.New("server returned 403")))
	assert.False(t, isExpiredStream(errors.New("connection refused")))
	assert.False(t, isExpiredStream(nil))
}
