/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package sound models the client half of soundbox: the fixed set of sound
// effects, and a per-session state machine that turns gestures into sounds.
package sound

import (
	"errors"
	"fmt"
)

var ErrUnknownSound = errors.New("unknown sound")

// Sound identifies one of the built-in effects.
type Sound uint8

const (
	Happy Sound = iota + 1
	Sad
	Confused
	Crazy
	Meh
)

var names = map[Sound]string{
	Happy:    "happy",
	Sad:      "sad",
	Confused: "confused",
	Crazy:    "crazy",
	Meh:      "meh",
}

// All returns every valid sound in declaration order.
func All() []Sound {
	return []Sound{Happy, Sad, Confused, Crazy, Meh}
}

// Parse maps a wire name onto a Sound.
func Parse(name string) (Sound, error) {
	for s, n := range names {
		if n == name {
			return s, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownSound, name)
}

func (s Sound) String() string {
	if n, ok := names[s]; ok {
		return n
	}

	return fmt.Sprintf("Sound(%d)", uint8(s))
}

func (s Sound) Valid() bool {
	_, ok := names[s]

	return ok
}

// Volume is the playback gain for s, between 0 and 1.
func (s Sound) Volume() float64 {
	if s == Crazy {
		return 0.4
	}

	return 1.0
}

// Asset is the file name of the clip under the sounds directory.
func (s Sound) Asset() string {
	switch s {
	case Meh:
		return "meh_sound.wav"
	default:
		return s.String() + "_sound.mp3"
	}
}
