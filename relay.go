// Soundbox relay
//
// Every browser (or terminal) session holds one websocket to a hub. When a
// session plays a sound locally it sends a "play sound" event, and the hub
// forwards the name verbatim to every other session in the same hub.
//
// Features:
// - Default hub at / and /ws, always present
// - Isolated rooms at /r/:room and /r/:room/ws
// - Random 8-char room IDs via crypto/rand, reserved on creation
// - Idle rooms auto-reaped after configurable timeout
// - Sessions identified by a random UUID, sent to the session on connect
// - "user connected" announced to every session, including the new one
// - Slow sessions are dropped rather than stalling the hub
// - QR code of the page URL for joining from a phone, backed by go-qrcode

package main

import (
	"context"
	"crypto/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Seednode/soundbox/events"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	lobbyID = "lobby"

	userConnectedText = "A new user has connected"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

type Client struct {
	id   string
	conn *websocket.Conn
	send chan events.Message
}

type relayRequest struct {
	client *Client
	name   string
}

type Hub struct {
	id      string
	clients map[*Client]bool

	register chan *Client
	unreg    chan *Client
	relays   chan relayRequest
	done     chan struct{}
	once     sync.Once

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time
}

func newHub(id string) *Hub {
	now := time.Now()
	return &Hub{
		id:         id,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		relays:     make(chan relayRequest),
		done:       make(chan struct{}),
		createdAt:  now,
		lastActive: now,
	}
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if h.closed() {
				h.mu.Unlock()
				close(c.send)
				continue
			}

			h.lastActive = time.Now()
			h.clients[c] = true

			h.deliverLocked(c, events.Message{Event: events.Session, Data: c.id})

			for client := range h.clients {
				h.deliverLocked(client, events.Message{Event: events.UserConnected, Data: userConnectedText})
			}
			count := len(h.clients)
			h.mu.Unlock()

			logf(cfg, "RELAY: Session %s connected to %s (%d active)", c.id, h.id, count)

		case c := <-h.unreg:
			h.mu.Lock()
			h.lastActive = time.Now()

			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()

			logf(cfg, "RELAY: Session %s disconnected from %s (%d active)", c.id, h.id, count)

		case req := <-h.relays:
			h.mu.Lock()
			h.lastActive = time.Now()

			msg := events.Message{Event: events.PlaySound, Data: req.name}
			delivered := 0
			for client := range h.clients {
				if client == req.client {
					continue
				}
				if h.deliverLocked(client, msg) {
					delivered++
				}
			}
			h.mu.Unlock()

			logf(cfg, "RELAY: Broadcasting sound %q from %s to %d sessions in %s", req.name, req.client.id, delivered, h.id)

		case <-h.done:
			return
		}
	}
}

// deliverLocked queues msg for c, dropping c if its queue is full.
// Assumes h.mu is held for writing.
func (h *Hub) deliverLocked(c *Client, msg events.Message) bool {
	if !h.clients[c] {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		delete(h.clients, c)
		close(c.send)
		return false
	}
}

func (h *Hub) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// join hands c to the hub loop. It fails if the hub has been reaped.
func (h *Hub) join(c *Client) bool {
	if h.closed() {
		return false
	}

	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unreg <- c:
	case <-h.done:
	}
}

func (h *Hub) relay(c *Client, name string) {
	select {
	case h.relays <- relayRequest{client: c, name: name}:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

func (h *Hub) touch() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()
}

func (h *Hub) idleSince() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.lastActive
}

// closeAll disconnects every session and stops the hub loop.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		delete(h.clients, c)
	}

	h.once.Do(func() {
		close(h.done)
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: timeout,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RelayManager holds the lobby hub plus a set of room hubs keyed by room ID.
type RelayManager struct {
	mu          sync.Mutex
	lobby       *Hub
	hubs        map[string]*Hub
	idleTimeout time.Duration
}

func newRelayManager(ctx context.Context, cfg *Config) *RelayManager {
	rm := &RelayManager{
		lobby:       newHub(lobbyID),
		hubs:        make(map[string]*Hub),
		idleTimeout: cfg.roomTimeout,
	}

	go rm.lobby.run(cfg)

	if rm.idleTimeout > 0 {
		go rm.reaperLoop(ctx, cfg)
	}

	go func() {
		<-ctx.Done()
		rm.closeAll()
	}()

	return rm
}

// getHub returns the room's hub, opening it if needed. Looking a room up
// counts as activity, so the reaper leaves it alone while a session joins.
func (rm *RelayManager) getHub(cfg *Config, roomID string) *Hub {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if hub, ok := rm.hubs[roomID]; ok {
		hub.touch()

		return hub
	}

	return rm.openLocked(cfg, roomID)
}

// openLocked starts a hub for roomID. Assumes rm.mu is held.
func (rm *RelayManager) openLocked(cfg *Config, roomID string) *Hub {
	hub := newHub(roomID)
	rm.hubs[roomID] = hub
	go hub.run(cfg)

	logf(cfg, "ROOMS: Opened room %s", roomID)

	return hub
}

func (rm *RelayManager) roomCount() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	return len(rm.hubs)
}

const (
	roomIDLength  = 8
	roomIDLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// randomRoomID draws roomIDLength letters uniformly from roomIDLetters.
// Bytes at or above the largest multiple of the alphabet size are rejected.
func randomRoomID() string {
	const limit = 256 - 256%len(roomIDLetters)

	out := make([]byte, 0, roomIDLength)
	buf := make([]byte, roomIDLength*2)

	for len(out) < roomIDLength {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, roomIDLetters[int(b)%len(roomIDLetters)])
			if len(out) == roomIDLength {
				break
			}
		}
	}

	return string(out)
}

// newRoom opens a room under a fresh random ID. The ID is reserved before
// the lock is released, so concurrent callers never share one.
func (rm *RelayManager) newRoom(cfg *Config) string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for {
		id := randomRoomID()
		if _, exists := rm.hubs[id]; exists {
			continue
		}

		rm.openLocked(cfg, id)

		return id
	}
}

// reap closes rooms idle since before cutoff. The lobby is never reaped.
func (rm *RelayManager) reap(cfg *Config, cutoff time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for id, hub := range rm.hubs {
		if hub.ClientCount() == 0 && hub.idleSince().Before(cutoff) {
			delete(rm.hubs, id)
			hub.closeAll()

			logf(cfg, "ROOMS: Reaped idle room %s after %s", id, time.Since(hub.createdAt).Round(time.Second))
		}
	}
}

func (rm *RelayManager) reaperLoop(ctx context.Context, cfg *Config) {
	ticker := time.NewTicker(rm.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.reap(cfg, time.Now().Add(-rm.idleTimeout))
		}
	}
}

func (rm *RelayManager) closeAll() {
	rm.mu.Lock()
	hubs := make([]*Hub, 0, len(rm.hubs)+1)
	hubs = append(hubs, rm.lobby)
	for id, hub := range rm.hubs {
		hubs = append(hubs, hub)
		delete(rm.hubs, id)
	}
	rm.mu.Unlock()

	for _, hub := range hubs {
		hub.closeAll()
	}
}

// serveWS upgrades the request and attaches the session to the hub picked
// by hubFor.
func serveWS(cfg *Config, hubFor func(httprouter.Params) *Hub) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		hub := hubFor(ps)
		if hub == nil {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "RELAY: Upgrade from %s failed: %v", realIP(r), err)
			return
		}

		client := &Client{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan events.Message, sendBuffer),
		}

		if !hub.join(client) {
			// The room was reaped after lookup; a second lookup opens a fresh one.
			if hub = hubFor(ps); hub == nil || !hub.join(client) {
				_ = conn.Close()
				return
			}
		}

		go client.writePump()
		client.readPump(cfg, hub)
	}
}

func (c *Client) readPump(cfg *Config, h *Hub) {
	defer func() {
		h.leave(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	d := events.NewDispatcher()
	d.On(events.PlaySound, func(name string) {
		h.relay(c, name)
	})

	for {
		var msg events.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logf(cfg, "RELAY: Session %s read error: %v", c.id, err)
			}
			return
		}

		if !d.Dispatch(msg) {
			logf(cfg, "RELAY: Ignoring event %q from %s", msg.Event, c.id)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveQR generates a PNG QR code for the page the request was made from.
func serveQR(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		scheme := cfg.scheme()
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		// We are at /.../qr; strip the trailing "/qr" to get the page URL.
		path := strings.TrimSuffix(r.URL.Path, "/qr")
		if path == "" {
			path = "/"
		}

		const qrSize = 320
		png, err := qrcode.Encode(scheme+"://"+r.Host+path, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)

		if _, err := w.Write(png); err != nil {
			errs <- err
		}
	}
}

// redirectNewRoom generates a new random room ID and redirects to it.
func redirectNewRoom(cfg *Config, path string, rm *RelayManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := rm.newRoom(cfg)
		logf(cfg, "ROOMS: Created room %s/%s", path, roomID)
		http.Redirect(w, r, path+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// registerRelay sets up routes so that:
//   - /              → client page, lobby hub
//   - /ws            → websocket for the lobby
//   - /qr            → PNG QR code for the lobby URL
//   - $path          → redirects to a new random room (8-char ID)
//   - $path/:room    → client page for that room
//   - $path/:room/ws → websocket for that room
//   - $path/:room/qr → PNG QR code for that room URL
func registerRelay(cfg *Config, path string, mux *httprouter.Router, rm *RelayManager, errs chan<- error) {
	lobby := func(httprouter.Params) *Hub {
		return rm.lobby
	}
	room := func(ps httprouter.Params) *Hub {
		id := ps.ByName("room")
		if id == "" {
			return nil
		}
		return rm.getHub(cfg, id)
	}

	mux.GET(cfg.prefix+"/", serveHomePage(cfg, errs))
	mux.GET(cfg.prefix+"/ws", serveWS(cfg, lobby))
	mux.GET(cfg.prefix+"/qr", serveQR(cfg, errs))

	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, cfg.prefix+path, rm))
	mux.GET(cfg.prefix+path+"/:room", serveHomePage(cfg, errs))
	mux.GET(cfg.prefix+path+"/:room/ws", serveWS(cfg, room))
	mux.GET(cfg.prefix+path+"/:room/qr", serveQR(cfg, errs))
}
