package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Seednode/soundbox/events"
	"github.com/Seednode/soundbox/sound"
	"github.com/gorilla/websocket"
)

// clipLength approximates how long a sound occupies its slot in the terminal.
const clipLength = 1500 * time.Millisecond

var errUnknownCommand = errors.New("unknown command")

// terminalPlayer "plays" sounds by printing them.
type terminalPlayer struct {
	mu    sync.Mutex
	out   io.Writer
	until map[sound.Sound]time.Time
}

func newTerminalPlayer(out io.Writer) *terminalPlayer {
	return &terminalPlayer{
		out:   out,
		until: make(map[sound.Sound]time.Time),
	}
}

func (p *terminalPlayer) Playing(s sound.Sound) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return time.Now().Before(p.until[s])
}

func (p *terminalPlayer) Stop(s sound.Sound) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.until, s)
}

func (p *terminalPlayer) Play(s sound.Sound) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.until[s] = time.Now().Add(clipLength)
	fmt.Fprintf(p.out, "%s! (volume %.1f)\n", strings.ToUpper(s.String()), s.Volume())
}

// wsEmitter serializes writes to the relay connection.
type wsEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (e *wsEmitter) Emit(s sound.Sound) error {
	return e.write(events.Message{Event: events.PlaySound, Data: s.String()})
}

func (e *wsEmitter) write(msg events.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))

	return e.conn.WriteJSON(msg)
}

func (e *wsEmitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = e.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func parseFloats(fields []string, n int) ([]float64, error) {
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d numbers, got %d", n, len(fields))
	}

	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}

	return out, nil
}

// micLevel stands in for a microphone. A typed level is one loud sample
// that the next read consumes, after which the room is quiet again.
type micLevel struct {
	mu    sync.Mutex
	level float64
}

func (m *micLevel) set(level float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.level = level
}

func (m *micLevel) sample() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	level := m.level
	m.level = 0

	return level, nil
}

// terminalInput turns lines typed at the terminal into local gestures.
type terminalInput struct {
	sess *sound.Session
	mic  *micLevel
	out  io.Writer
}

func (t *terminalInput) handle(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "tap":
		if err := t.sess.TouchStart(0); err != nil {
			return err
		}
		return t.sess.TouchEnd(0)

	case "touch":
		v, err := parseFloats(args, 2)
		if err != nil {
			return fmt.Errorf("touch: %w", err)
		}
		if err := t.sess.TouchStart(v[0]); err != nil {
			return err
		}
		return t.sess.TouchEnd(v[1])

	case "swipe":
		v, err := parseFloats(args, 1)
		if err != nil {
			return fmt.Errorf("swipe: %w", err)
		}
		return t.sess.Swipe(v[0])

	case "motion":
		v, err := parseFloats(args, 3)
		if err != nil {
			return fmt.Errorf("motion: %w", err)
		}
		return t.sess.Motion(v[0], v[1], v[2])

	case "level":
		v, err := parseFloats(args, 1)
		if err != nil {
			return fmt.Errorf("level: %w", err)
		}
		if v[0] < 0 || v[0] > 1 {
			return fmt.Errorf("level: %v is outside 0..1", v[0])
		}
		t.mic.set(v[0])
		return nil

	case "play":
		if len(args) != 1 {
			return fmt.Errorf("play: expected a sound name")
		}
		s, err := sound.Parse(args[0])
		if err != nil {
			return err
		}
		return t.sess.Trigger(s)

	case "status":
		if s, ok := t.sess.Showing(); ok {
			fmt.Fprintf(t.out, "showing %s\n", s)
		} else {
			fmt.Fprintln(t.out, "showing nothing")
		}
		return nil
	}

	return fmt.Errorf("%w: %q", errUnknownCommand, cmd)
}

// runListen joins the relay at cfg.url as a session, playing relayed sounds
// to out and turning each line of in into a local gesture. The simulated
// microphone is sampled every sound.LevelInterval. It returns when ctx is
// done or the connection drops.
func runListen(ctx context.Context, cfg *Config, in io.Reader, out io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.url, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.url, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logf(cfg, "RELAY: Connected to %s", cfg.url)

	w := &syncWriter{w: out}
	emitter := &wsEmitter{conn: conn}
	player := newTerminalPlayer(w)
	sess := sound.New(player, sound.WithEmitter(emitter))
	input := &terminalInput{sess: sess, mic: &micLevel{}, out: w}

	go sess.WatchLevel(ctx, sound.LevelInterval, input.mic.sample, func(err error) {
		fmt.Fprintf(w, "error: %v\n", err)
	})

	d := events.NewDispatcher()
	d.On(events.Session, func(id string) {
		logf(cfg, "RELAY: Assigned session %s", id)
	})
	d.On(events.UserConnected, func(text string) {
		logf(cfg, "RELAY: %s", text)
	})
	d.On(events.PlaySound, func(name string) {
		if err := sess.Receive(name); err != nil {
			logf(cfg, "RELAY: Ignoring relayed sound: %v", err)
		}
	})

	readErr := make(chan error, 1)

	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}

			msg, err := events.Decode(frame)
			if err != nil {
				logf(cfg, "RELAY: %v", err)
				continue
			}

			d.Dispatch(msg)
		}
	}()

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if err := input.handle(scanner.Text()); err != nil {
				fmt.Fprintf(w, "error: %v\n", err)
			}
		}
	}()

	select {
	case <-ctx.Done():
		emitter.close()
		return nil
	case err := <-readErr:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return fmt.Errorf("connection lost: %w", err)
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.w.Write(p)
}
