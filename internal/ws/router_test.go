package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/buildsession/internal/events"
	"github.com/hyper-ai-inc/buildsession/internal/models"
)

type fakeTerminals struct {
	mu       sync.Mutex
	attached map[string][]string
	input    map[string]string
	sizes    map[string][2]uint16
	scroll   string
	fail     error
}

func newFakeTerminals() *fakeTerminals {
	return &fakeTerminals{
		attached: make(map[string][]string),
		input:    make(map[string]string),
		sizes:    make(map[string][2]uint16),
	}
}

func (f *fakeTerminals) Attach(ctx context.Context, projectID, connID string, replay func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.attached[projectID] = append(f.attached[projectID], connID)
	if f.scroll != "" {
		replay(f.scroll)
	}
	return nil
}

func (f *fakeTerminals) Detach(projectID, connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.attached[projectID]
	for i, c := range conns {
		if c == connID {
			f.attached[projectID] = append(conns[:i], conns[i+1:]...)
			return
		}
	}
}

func (f *fakeTerminals) DetachAll(connID string) {
	f.mu.Lock()
	projects := make([]string, 0, len(f.attached))
	for p := range f.attached {
		projects = append(projects, p)
	}
	f.mu.Unlock()
	for _, p := range projects {
		f.Detach(p, connID)
	}
}

func (f *fakeTerminals) isAttached(projectID, connID string) bool {
	for _, c := range f.attached[projectID] {
		if c == connID {
			return true
		}
	}
	return false
}

func (f *fakeTerminals) Input(projectID, connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isAttached(projectID, connID) {
		return errors.New("not attached")
	}
	f.input[projectID] += string(data)
	return nil
}

func (f *fakeTerminals) Resize(projectID, connID string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isAttached(projectID, connID) {
		return errors.New("not attached")
	}
	f.sizes[projectID] = [2]uint16{cols, rows}
	return nil
}

func (f *fakeTerminals) count(projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attached[projectID])
}

func (f *fakeTerminals) typed(projectID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input[projectID]
}

type fakeEnvs struct{}

func (fakeEnvs) GetStatus(ctx context.Context, projectID string) models.Environment {
	return models.Environment{ProjectID: projectID, Status: models.EnvRunning, StackType: "default"}
}

type testServer struct {
	*httptest.Server
	hub   *events.Hub
	terms *fakeTerminals
}

func setupTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	hub := events.NewHub(nil)
	terms := newFakeTerminals()
	router := NewRouter(hub, terms, fakeEnvs{}, opts, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", router.HandleWebSocket)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, hub: hub, terms: terms}
}

func (s *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireEvent struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"project_id"`
	Data      json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// expect reads events until one of the given type arrives.
func expect(t *testing.T, conn *websocket.Conn, typ string) wireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if ev.Type == typ {
			return ev
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubscribeSendsSnapshot(t *testing.T) {
	s := setupTestServer(t, Options{})
	conn := s.dial(t, "")

	send(t, conn, ClientMessage{Type: MsgSubscribe, ProjectID: "p1"})
	ev := expect(t, conn, "env_status")
	if ev.ProjectID != "p1" || !strings.Contains(string(ev.Data), `"running"`) {
		t.Errorf("unexpected snapshot: %+v %s", ev, ev.Data)
	}
	waitFor(t, func() bool { return s.hub.SubscriberCount("p1") == 1 })

	s.hub.Publish("p1", events.FilesChanged("p1", []string{"main.go"}))
	s.hub.Publish("p2", events.FilesChanged("p2", []string{"other.go"}))
	ev = expect(t, conn, "files_changed")
	if ev.ProjectID != "p1" {
		t.Errorf("received event for %s", ev.ProjectID)
	}
}

func TestSubscribeFromQuery(t *testing.T) {
	s := setupTestServer(t, Options{})
	conn := s.dial(t, "?project_id=p1")

	expect(t, conn, "env_status")
	if s.hub.SubscriberCount("p1") != 1 {
		t.Error("expected subscription from query parameter")
	}
}

func TestSubscribeInvalidProject(t *testing.T) {
	s := setupTestServer(t, Options{})
	conn := s.dial(t, "")

	send(t, conn, ClientMessage{Type: MsgSubscribe, ProjectID: "../etc"})
	ev := expect(t, conn, "error")
	if !strings.Contains(string(ev.Data), "invalid project_id") {
		t.Errorf("unexpected error payload: %s", ev.Data)
	}
}

func TestUnsubscribe(t *testing.T) {
	s := setupTestServer(t, Options{})
	conn := s.dial(t, "")

	send(t, conn, ClientMessage{Type: MsgSubscribe, ProjectID: "p1"})
	expect(t, conn, "env_status")
	send(t, conn, ClientMessage{Type: MsgUnsubscribe, ProjectID: "p1"})
	waitFor(t, func() bool { return s.hub.SubscriberCount("p1") == 0 })
}

func TestTerminalAttachReplayAndInput(t *testing.T) {
	s := setupTestServer(t, Options{})
	s.terms.scroll = "$ ls\r\nmain.go\r\n"
	conn := s.dial(t, "")

	send(t, conn, ClientMessage{Type: MsgStartTerminal, ProjectID: "p1"})
	ev := expect(t, conn, "output")
	var data string
	json.Unmarshal(ev.Data, &data)
	if data != s.terms.scroll {
		t.Errorf("expected scrollback replay, got %q", data)
	}
	if s.hub.SubscriberCount("p1") != 1 {
		t.Error("start_terminal should subscribe to the project")
	}

	// No project_id: addresses the last started terminal
	send(t, conn, ClientMessage{Type: MsgInput, Data: "pwd\n"})
	send(t, conn, ClientMessage{Type: MsgResize, Cols: 120, Rows: 40})
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("ls\n")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.terms.typed("p1") == "pwd\nls\n" })

	s.terms.mu.Lock()
	size := s.terms.sizes["p1"]
	s.terms.mu.Unlock()
	if size != [2]uint16{120, 40} {
		t.Errorf("unexpected size %v", size)
	}
}

func TestTerminalAttachFailure(t *testing.T) {
	s := setupTestServer(t, Options{})
	s.terms.fail = errors.New("environment not ready")
	conn := s.dial(t, "")

	send(t, conn, ClientMessage{Type: MsgStartTerminal, ProjectID: "p1"})
	ev := expect(t, conn, "error")
	if ev.ProjectID != "p1" || !strings.Contains(string(ev.Data), "not ready") {
		t.Errorf("unexpected error: %+v %s", ev, ev.Data)
	}
}

func TestInputWithoutTerminal(t *testing.T) {
	s := setupTestServer(t, Options{})
	conn := s.dial(t, "")

	send(t, conn, ClientMessage{Type: MsgInput, ProjectID: "p1", Data: "x"})
	expect(t, conn, "error")
}

func TestInputFromUnattachedConnectionRefused(t *testing.T) {
	s := setupTestServer(t, Options{})
	owner := s.dial(t, "")
	watcher := s.dial(t, "?project_id=p1")
	stranger := s.dial(t, "")
	expect(t, watcher, "env_status")

	send(t, owner, ClientMessage{Type: MsgStartTerminal, ProjectID: "p1"})
	waitFor(t, func() bool { return s.terms.count("p1") == 1 })

	for _, conn := range []*websocket.Conn{watcher, stranger} {
		send(t, conn, ClientMessage{Type: MsgInput, ProjectID: "p1", Data: "rm -rf /\n"})
		ev := expect(t, conn, "error")
		if ev.ProjectID != "p1" || !strings.Contains(string(ev.Data), "not attached") {
			t.Errorf("unexpected error: %+v %s", ev, ev.Data)
		}
		send(t, conn, ClientMessage{Type: MsgResize, ProjectID: "p1", Cols: 10, Rows: 10})
		expect(t, conn, "error")
	}

	send(t, owner, ClientMessage{Type: MsgInput, Data: "ls\n"})
	waitFor(t, func() bool { return s.terms.typed("p1") == "ls\n" })

	s.terms.mu.Lock()
	_, resized := s.terms.sizes["p1"]
	s.terms.mu.Unlock()
	if resized {
		t.Error("unattached connection resized the terminal")
	}
}

func TestUnknownMessageType(t *testing.T) {
	s := setupTestServer(t, Options{})
	conn := s.dial(t, "")

	send(t, conn, ClientMessage{Type: MsgPing})
	send(t, conn, ClientMessage{Type: "teleport"})
	ev := expect(t, conn, "error")
	if !strings.Contains(string(ev.Data), "teleport") {
		t.Errorf("unexpected error payload: %s", ev.Data)
	}
}

func TestDisconnectReleasesEverything(t *testing.T) {
	s := setupTestServer(t, Options{})
	conn := s.dial(t, "")

	send(t, conn, ClientMessage{Type: MsgSubscribe, ProjectID: "p1"})
	send(t, conn, ClientMessage{Type: MsgStartTerminal, ProjectID: "p2"})
	waitFor(t, func() bool { return s.terms.count("p2") == 1 && s.hub.SubscriberCount("p1") == 1 })

	conn.Close()
	waitFor(t, func() bool {
		return s.terms.count("p2") == 0 && s.hub.SubscriberCount("p1") == 0 && s.hub.SubscriberCount("p2") == 0
	})
}

func TestMultipleClientsFanOut(t *testing.T) {
	s := setupTestServer(t, Options{})
	a := s.dial(t, "?project_id=p1")
	b := s.dial(t, "?project_id=p1")
	expect(t, a, "env_status")
	expect(t, b, "env_status")

	s.hub.Publish("p1", events.Output("p1", "hello"))
	for _, conn := range []*websocket.Conn{a, b} {
		ev := expect(t, conn, "output")
		if !strings.Contains(string(ev.Data), "hello") {
			t.Errorf("unexpected output %s", ev.Data)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	if checkOrigin(nil) != nil {
		t.Error("empty list should defer to the same-origin default")
	}
	if !checkOrigin([]string{"*"})(req("https://evil.example")) {
		t.Error("wildcard should allow any origin")
	}

	check := checkOrigin([]string{"https://app.example.com/"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"HTTPS://APP.EXAMPLE.COM", true},
		{"https://other.example.com", false},
		{"http://app.example.com", false},
		{"", true},
	}
	for _, tt := range tests {
		if got := check(req(tt.origin)); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestRejectedOrigin(t *testing.T) {
	s := setupTestServer(t, Options{AllowedOrigins: []string{"https://app.example.com"}})
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}
