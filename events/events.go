/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package events defines the soundbox wire format and a small named-event
// dispatcher shared by the relay and its clients.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
)

const (
	PlaySound     = "play sound"
	UserConnected = "user connected"
	Session       = "session"
)

// Message is one event frame on the wire.
type Message struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("decode event: %w", err)
	}
	if msg.Event == "" {
		return Message{}, fmt.Errorf("decode event: missing event name")
	}

	return msg, nil
}

type Handler func(data string)

// Dispatcher routes events to at most one handler per event name.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// On registers h for event, replacing any earlier handler. A nil h
// removes the registration.
func (d *Dispatcher) On(event string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if h == nil {
		delete(d.handlers, event)
		return
	}

	d.handlers[event] = h
}

// Dispatch runs the handler for msg and reports whether one was registered.
func (d *Dispatcher) Dispatch(msg Message) bool {
	d.mu.RLock()
	h, ok := d.handlers[msg.Event]
	d.mu.RUnlock()

	if !ok {
		return false
	}

	h(msg.Data)

	return true
}
