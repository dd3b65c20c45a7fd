// Package ws serves the real-time channel: one websocket per client,
// multiplexing event subscriptions for any number of projects together with
// terminal input and resize.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/buildsession/internal/events"
	"github.com/hyper-ai-inc/buildsession/internal/models"
)

// Hub is the event hub a client subscribes through.
type Hub interface {
	Subscribe(projectID string, s *events.Subscriber)
	Unsubscribe(projectID string, s *events.Subscriber)
	UnsubscribeAll(s *events.Subscriber) []string
}

// Terminals is the terminal bridge.
type Terminals interface {
	Attach(ctx context.Context, projectID, connID string, replay func(data string)) error
	Detach(projectID, connID string)
	DetachAll(connID string)
	Input(projectID, connID string, data []byte) error
	Resize(projectID, connID string, cols, rows uint16) error
}

// Environments provides the environment snapshot sent on subscribe.
type Environments interface {
	GetStatus(ctx context.Context, projectID string) models.Environment
}

type Options struct {
	// AllowedOrigins lists browser origins allowed to connect. Empty means
	// same-origin only; "*" allows any origin.
	AllowedOrigins []string
	QueueSize      int
}

// Router handles WebSocket connections
type Router struct {
	hub       Hub
	terminals Terminals
	envs      Environments
	queueSize int
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// NewRouter creates a new WebSocket router
func NewRouter(hub Hub, terminals Terminals, envs Environments, opts Options, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		hub:       hub,
		terminals: terminals,
		envs:      envs,
		queueSize: opts.QueueSize,
		logger:    logger.With("component", "ws"),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}
	return r
}

// checkOrigin returns nil for an empty list, which makes gorilla enforce
// same-origin requests.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

// HandleWebSocket upgrades HTTP to WebSocket and starts the client pumps.
// An optional project_id query parameter subscribes right away.
func (r *Router) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, r, uuid.New().String())
	r.logger.Debug("client connected", "conn", client.ID(), "remote", req.RemoteAddr)

	if projectID := req.URL.Query().Get("project_id"); projectID != "" {
		client.handle(ClientMessage{Type: MsgSubscribe, ProjectID: projectID})
	}

	go client.WritePump()
	go client.ReadPump()
}
