package sound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakePlayer struct {
	mu      sync.Mutex
	playing map[Sound]bool
	ops     []string
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{playing: make(map[Sound]bool)}
}

func (p *fakePlayer) Playing(s Sound) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing[s]
}

func (p *fakePlayer) Stop(s Sound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing[s] = false
	p.ops = append(p.ops, "stop "+s.String())
}

func (p *fakePlayer) Play(s Sound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing[s] = true
	p.ops = append(p.ops, "play "+s.String())
}

func (p *fakePlayer) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu   sync.Mutex
	sent []Sound
}

func (r *recorder) Emit(s Sound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, s)
	return nil
}

func (r *recorder) Sent() []Sound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sound(nil), r.sent...)
}

type failingEmitter struct {
	err error
}

func (f failingEmitter) Emit(Sound) error {
	return f.err
}

func newTestSession() (*Session, *fakePlayer, *fakeClock, *recorder) {
	player := newFakePlayer()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rec := &recorder{}

	return New(player, WithClock(clock.Now), WithEmitter(rec)), player, clock, rec
}

func TestTrigger_RestartsSameSound(t *testing.T) {
	s, player, _, rec := newTestSession()

	require.NoError(t, s.Trigger(Happy))
	require.NoError(t, s.Trigger(Happy))

	assert.Equal(t, []string{"play happy", "stop happy", "play happy"}, player.Ops())
	assert.Equal(t, []Sound{Happy, Happy}, rec.Sent())
}

func TestTrigger_DifferentSoundsOverlap(t *testing.T) {
	s, player, _, _ := newTestSession()

	require.NoError(t, s.Trigger(Happy))
	require.NoError(t, s.Trigger(Sad))

	assert.Equal(t, []string{"play happy", "play sad"}, player.Ops())
	assert.True(t, player.Playing(Happy))
	assert.True(t, player.Playing(Sad))
}

func TestTrigger_InvalidSound(t *testing.T) {
	s, player, _, rec := newTestSession()

	require.ErrorIs(t, s.Trigger(Sound(42)), ErrUnknownSound)
	assert.Empty(t, player.Ops())
	assert.Empty(t, rec.Sent())
}

func TestReceive_DoesNotEcho(t *testing.T) {
	s, player, _, rec := newTestSession()

	require.NoError(t, s.Receive("sad"))

	assert.Equal(t, []string{"play sad"}, player.Ops())
	assert.Empty(t, rec.Sent())
}

func TestReceive_UnknownNameIgnored(t *testing.T) {
	s, player, _, rec := newTestSession()

	require.ErrorIs(t, s.Receive("xyz"), ErrUnknownSound)
	assert.Empty(t, player.Ops())
	assert.Empty(t, rec.Sent())
}

func TestTrigger_WithoutEmitterStillPlays(t *testing.T) {
	player := newFakePlayer()
	s := New(player)

	require.NoError(t, s.Trigger(Meh))
	assert.Equal(t, []string{"play meh"}, player.Ops())
}

func TestTrigger_EmitErrorReturned(t *testing.T) {
	player := newFakePlayer()
	boom := errors.New("connection lost")
	s := New(player, WithEmitter(failingEmitter{err: boom}))

	require.ErrorIs(t, s.Trigger(Crazy), boom)
	assert.Equal(t, []string{"play crazy"}, player.Ops(), "playback happens even when the relay fails")
}

func TestShowing(t *testing.T) {
	s, _, clock, _ := newTestSession()

	_, ok := s.Showing()
	assert.False(t, ok)

	require.NoError(t, s.Trigger(Confused))
	clock.Advance(DisplayDuration - time.Millisecond)

	snd, ok := s.Showing()
	assert.True(t, ok)
	assert.Equal(t, Confused, snd)

	clock.Advance(time.Millisecond)
	_, ok = s.Showing()
	assert.False(t, ok)
}

func TestDoubleTap(t *testing.T) {
	tests := []struct {
		name string
		gap  time.Duration
		want []Sound
	}{
		{"Quick", 100 * time.Millisecond, []Sound{Meh}},
		{"AtWindow", 300 * time.Millisecond, []Sound{Meh}},
		{"JustLate", 301 * time.Millisecond, nil},
		{"Slow", time.Second, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, clock, rec := newTestSession()

			require.NoError(t, s.TouchStart(100))
			require.NoError(t, s.TouchEnd(100))
			clock.Advance(tt.gap)
			require.NoError(t, s.TouchStart(100))
			require.NoError(t, s.TouchEnd(100))

			assert.Equal(t, tt.want, rec.Sent())
		})
	}
}

func TestFirstTapIsNotDoubleTap(t *testing.T) {
	s, _, _, rec := newTestSession()

	require.NoError(t, s.TouchStart(10))
	assert.Empty(t, rec.Sent())
}

func TestSwipe(t *testing.T) {
	tests := []struct {
		name       string
		start, end float64
		want       []Sound
	}{
		{"Up51", 300, 249, []Sound{Happy}},
		{"Up49", 300, 251, nil},
		{"Up50", 300, 250, nil},
		{"Down51", 300, 351, []Sound{Sad}},
		{"Down49", 300, 349, nil},
		{"Still", 300, 300, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _, rec := newTestSession()

			require.NoError(t, s.TouchStart(tt.start))
			require.NoError(t, s.TouchEnd(tt.end))

			assert.Equal(t, tt.want, rec.Sent())
		})
	}
}

func TestTouchEndWithoutStart(t *testing.T) {
	s, _, _, rec := newTestSession()

	require.NoError(t, s.TouchEnd(500))
	assert.Empty(t, rec.Sent())
}

func TestMotion(t *testing.T) {
	s, _, _, rec := newTestSession()

	require.NoError(t, s.Motion(50, 50, 50), "first sample only sets the baseline")
	require.NoError(t, s.Motion(60, 60, 55))
	assert.Empty(t, rec.Sent())

	require.NoError(t, s.Motion(90, 60, 55))
	assert.Equal(t, []Sound{Crazy}, rec.Sent())
	assert.Equal(t, 0.4, Crazy.Volume())
}

func TestMotion_CustomThreshold(t *testing.T) {
	player := newFakePlayer()
	rec := &recorder{}
	s := New(player, WithEmitter(rec), WithShakeThreshold(5))

	require.NoError(t, s.Motion(0, 0, 0))
	require.NoError(t, s.Motion(3, 3, 0))
	assert.Equal(t, []Sound{Crazy}, rec.Sent())
}

func TestLevel(t *testing.T) {
	s, _, _, rec := newTestSession()

	require.NoError(t, s.Level(0.5))
	assert.Empty(t, rec.Sent())

	require.NoError(t, s.Level(0.51))
	assert.Equal(t, []Sound{Confused}, rec.Sent())
}

func TestWatchLevel(t *testing.T) {
	s, _, _, rec := newTestSession()

	samples := make(chan float64, 3)
	samples <- 0.1
	samples <- 0.9
	samples <- 0.2

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.WatchLevel(ctx, time.Millisecond, func() (float64, error) {
			select {
			case v := <-samples:
				return v, nil
			default:
				return 0, errors.New("mic unavailable")
			}
		}, nil)
	}()

	require.Eventually(t, func() bool {
		return len(samples) == 0
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []Sound{Confused}, rec.Sent())
}

func TestDoubleTapProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gap := time.Duration(rapid.IntRange(0, 2000).Draw(t, "gapMillis")) * time.Millisecond

		s, _, clock, rec := newTestSession()
		_ = s.TouchStart(0)
		clock.Advance(gap)
		_ = s.TouchStart(0)

		if gap <= DoubleTapWindow {
			if len(rec.Sent()) != 1 {
				t.Fatalf("gap %s: expected meh, got %v", gap, rec.Sent())
			}
		} else if len(rec.Sent()) != 0 {
			t.Fatalf("gap %s: expected nothing, got %v", gap, rec.Sent())
		}
	})
}
