/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package sound

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	DoubleTapWindow = 300 * time.Millisecond
	SwipeDistance   = 50.0
	ShakeThreshold  = 30.0
	LevelThreshold  = 0.5
	LevelInterval   = 100 * time.Millisecond
	DisplayDuration = 2000 * time.Millisecond
)

// Player owns the audio output. Each sound has a single slot: a sound is
// either idle or playing, and different sounds may play at the same time.
type Player interface {
	Playing(Sound) bool
	Stop(Sound)
	Play(Sound)
}

// Emitter publishes a locally triggered sound to the relay.
type Emitter interface {
	Emit(Sound) error
}

type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

func WithEmitter(e Emitter) Option {
	return func(s *Session) {
		s.emitter = e
	}
}

func WithShakeThreshold(threshold float64) Option {
	return func(s *Session) {
		s.shakeThreshold = threshold
	}
}

// Session is the gesture and playback state of one connected client.
type Session struct {
	mu sync.Mutex

	player         Player
	emitter        Emitter
	now            func() time.Time
	shakeThreshold float64

	last   Sound
	lastAt time.Time

	tapped  bool
	lastTap time.Time

	touching bool
	startY   float64

	moved  bool
	motion [3]float64
}

func New(player Player, opts ...Option) *Session {
	s := &Session{
		player:         player,
		now:            time.Now,
		shakeThreshold: ShakeThreshold,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Trigger plays snd as a local event and relays it.
func (s *Session) Trigger(snd Sound) error {
	return s.play(snd, false)
}

// Receive plays a sound relayed from another session. It never re-emits.
func (s *Session) Receive(name string) error {
	snd, err := Parse(name)
	if err != nil {
		return err
	}

	return s.play(snd, true)
}

func (s *Session) play(snd Sound, remote bool) error {
	if !snd.Valid() {
		return ErrUnknownSound
	}

	s.mu.Lock()
	if s.player.Playing(snd) {
		s.player.Stop(snd)
	}
	s.player.Play(snd)

	s.last = snd
	s.lastAt = s.now()

	emitter := s.emitter
	s.mu.Unlock()

	if remote || emitter == nil {
		return nil
	}

	return emitter.Emit(snd)
}

// Showing reports the most recent sound while it is still on screen.
func (s *Session) Showing() (Sound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == 0 || s.now().Sub(s.lastAt) >= DisplayDuration {
		return 0, false
	}

	return s.last, true
}

// TouchStart registers a tap at vertical position y. A second tap within
// DoubleTapWindow of the previous one plays Meh.
func (s *Session) TouchStart(y float64) error {
	s.mu.Lock()
	now := s.now()
	double := s.tapped && now.Sub(s.lastTap) <= DoubleTapWindow

	s.tapped = true
	s.lastTap = now
	s.touching = true
	s.startY = y
	s.mu.Unlock()

	if double {
		return s.Trigger(Meh)
	}

	return nil
}

// TouchEnd completes a touch. A vertical travel of more than SwipeDistance
// plays Happy when upward and Sad when downward.
func (s *Session) TouchEnd(y float64) error {
	s.mu.Lock()
	if !s.touching {
		s.mu.Unlock()

		return nil
	}

	dy := y - s.startY
	s.touching = false
	s.mu.Unlock()

	return s.Swipe(dy)
}

// Swipe handles a completed vertical swipe of dy pixels. Screen coordinates
// grow downward, so negative dy is upward.
func (s *Session) Swipe(dy float64) error {
	switch {
	case dy < -SwipeDistance:
		return s.Trigger(Happy)
	case dy > SwipeDistance:
		return s.Trigger(Sad)
	}

	return nil
}

// Motion feeds one accelerometer sample. When the summed change across all
// axes since the previous sample exceeds the shake threshold, Crazy plays.
func (s *Session) Motion(x, y, z float64) error {
	s.mu.Lock()
	prev, had := s.motion, s.moved
	s.motion = [3]float64{x, y, z}
	s.moved = true
	threshold := s.shakeThreshold
	s.mu.Unlock()

	if !had {
		return nil
	}

	change := math.Abs(x-prev[0]) + math.Abs(y-prev[1]) + math.Abs(z-prev[2])
	if change > threshold {
		return s.Trigger(Crazy)
	}

	return nil
}

// Level feeds one microphone level sample in the range 0..1.
func (s *Session) Level(level float64) error {
	if level > LevelThreshold {
		return s.Trigger(Confused)
	}

	return nil
}

// LevelFunc samples the current microphone level.
type LevelFunc func() (float64, error)

// WatchLevel samples the microphone every interval until ctx is done.
// Sampling and relay errors are passed to onErr and otherwise ignored.
func (s *Session) WatchLevel(ctx context.Context, interval time.Duration, sample LevelFunc, onErr func(error)) {
	if interval <= 0 {
		interval = LevelInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level, err := sample()
			if err == nil {
				err = s.Level(level)
			}
			if err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
