// Package testutil provides a fake ClaraVerse-style backend for package tests:
// websocket push endpoints under /ws/ and the notification and presence REST
// endpoints under /api/.
package testutil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is a message a client sent on a push connection
type Frame struct {
	Path string
	Data []byte
}

// Backend is an in-process fake of the backend
type Backend struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu            sync.Mutex
	conns         map[*websocket.Conn]string // conn -> path
	queries       []string
	authHeaders   []string
	notifications []map[string]interface{}
	online        []interface{}
	readStatus    int
	writeStatus   int
	markRead      []string
	markAll       int
	onlineCalls   int
	listCalls     int

	accepted      atomic.Int32
	dropOnConnect atomic.Bool
	rejectStatus  atomic.Int32

	frames chan Frame
	closes chan int
}

// NewBackend starts a fake backend that is shut down with the test
func NewBackend(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		conns:  make(map[*websocket.Conn]string),
		frames: make(chan Frame, 64),
		closes: make(chan int, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", b.serveWS)
	mux.HandleFunc("/api/notifications/", b.serveNotifications)
	mux.HandleFunc("/api/auth/online-users/", b.serveOnline)

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Server.Close)
	t.Cleanup(b.DropAll)
	return b
}

// APIURL is the REST base URL
func (b *Backend) APIURL() string {
	return b.URL + "/api"
}

// WSURL is the push base URL
func (b *Backend) WSURL() string {
	return "ws" + strings.TrimPrefix(b.URL, "http") + "/ws"
}

func (b *Backend) serveWS(w http.ResponseWriter, r *http.Request) {
	if code := b.rejectStatus.Load(); code != 0 {
		http.Error(w, "rejected", int(code))
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.accepted.Add(1)

	if b.dropOnConnect.Load() {
		conn.Close()
		return
	}

	path := r.URL.Path
	b.mu.Lock()
	b.conns[conn] = path
	b.queries = append(b.queries, r.URL.Query().Get("token"))
	b.authHeaders = append(b.authHeaders, r.Header.Get("Authorization"))
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.conns, conn)
			b.mu.Unlock()
			conn.Close()
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					select {
					case b.closes <- closeErr.Code:
					default:
					}
				}
				return
			}
			select {
			case b.frames <- Frame{Path: path, Data: data}:
			default:
			}
		}
	}()
}

// Accepted is the number of websocket handshakes completed so far
func (b *Backend) Accepted() int {
	return int(b.accepted.Load())
}

// Conns is the number of live push connections on path ("" for all)
func (b *Backend) Conns(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.conns {
		if path == "" || p == path {
			n++
		}
	}
	return n
}

// Broadcast writes v as JSON to every live connection on path
func (b *Backend) Broadcast(path string, v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b.BroadcastRaw(path, data)
}

// BroadcastRaw writes data as a text frame to every live connection on path
func (b *Backend) BroadcastRaw(path string, data []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for conn, p := range b.conns {
		if p != path {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if conn.WriteMessage(websocket.TextMessage, data) == nil {
			n++
		}
	}
	return n
}

// DropAll closes every push connection without a close frame
func (b *Backend) DropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.Close()
		delete(b.conns, conn)
	}
}

// SetDropOnConnect makes the server close every new connection right after
// the handshake
func (b *Backend) SetDropOnConnect(drop bool) {
	b.dropOnConnect.Store(drop)
}

// RejectHandshakes answers websocket upgrades with status code (0 disables)
func (b *Backend) RejectHandshakes(code int) {
	b.rejectStatus.Store(int32(code))
}

// Frames delivers frames sent by clients
func (b *Backend) Frames() <-chan Frame {
	return b.frames
}

// Closes delivers close codes sent by clients
func (b *Backend) Closes() <-chan int {
	return b.closes
}

// Credentials returns the token query parameters and Authorization headers
// seen on websocket handshakes
func (b *Backend) Credentials() (queries, headers []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.queries...), append([]string(nil), b.authHeaders...)
}

// SetOnline sets the online-users REST response
func (b *Backend) SetOnline(ids ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.online = ids
}

// SetNotifications sets the notification list REST response
func (b *Backend) SetNotifications(list ...map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications = list
}

// FailReads makes GET endpoints answer with status (0 restores)
func (b *Backend) FailReads(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readStatus = status
}

// FailWrites makes PUT endpoints answer with status (0 restores)
func (b *Backend) FailWrites(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeStatus = status
}

// MarkReadCalls returns the ids passed to the mark-read endpoint that succeeded
func (b *Backend) MarkReadCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.markRead...)
}

// MarkAllCalls returns how many successful mark-all-read calls were made
func (b *Backend) MarkAllCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.markAll
}

// OnlineCalls returns how many times the online-users endpoint was hit
func (b *Backend) OnlineCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onlineCalls
}

// ListCalls returns how many times the notification list endpoint was hit
func (b *Backend) ListCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}

func (b *Backend) authorized(w http.ResponseWriter, r *http.Request) bool {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return false
	}
	return true
}

func (b *Backend) serveNotifications(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(w, r) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/notifications/"), "/")

	switch {
	case r.Method == http.MethodGet && rest == "":
		b.listCalls++
		if b.readStatus != 0 {
			http.Error(w, "unavailable", b.readStatus)
			return
		}
		list := b.notifications
		if list == nil {
			list = []map[string]interface{}{}
		}
		writeJSON(w, list)

	case r.Method == http.MethodPut && rest == "mark-all-read":
		if b.writeStatus != 0 {
			http.Error(w, "unavailable", b.writeStatus)
			return
		}
		b.markAll++
		for _, n := range b.notifications {
			n["isRead"] = true
		}
		writeJSON(w, map[string]bool{"success": true})

	case r.Method == http.MethodPut && rest != "":
		if b.writeStatus != 0 {
			http.Error(w, "unavailable", b.writeStatus)
			return
		}
		b.markRead = append(b.markRead, rest)
		for _, n := range b.notifications {
			if n["id"] == rest {
				n["isRead"] = true
			}
		}
		writeJSON(w, map[string]bool{"success": true})

	default:
		http.NotFound(w, r)
	}
}

func (b *Backend) serveOnline(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(w, r) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.onlineCalls++
	if b.readStatus != 0 {
		http.Error(w, "unavailable", b.readStatus)
		return
	}
	ids := b.online
	if ids == nil {
		ids = []interface{}{}
	}
	writeJSON(w, ids)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// WaitFor polls cond until it holds or the timeout expires
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting: %s", msg)
}
