package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fedutinova/mockinterview/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// Stage is the lifecycle point an analysis event reports.
type Stage string

const (
	StageStarted   Stage = "started"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// EventName builds analysis:<stage>:<interviewId>.
func EventName(stage Stage, interviewID string) string {
	return fmt.Sprintf("analysis:%s:%s", stage, interviewID)
}

// Message is what a connected client receives.
type Message struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// envelope travels over the pub/sub backplane.
type envelope struct {
	UserID  string  `json:"userId"`
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// Authenticator resolves a bearer token to a user id.
type Authenticator func(token string) (userID string, err error)

type ConnectionStats struct {
	Connected int       `json:"connected"`
	Users     int       `json:"users"`
	Timestamp time.Time `json:"timestamp"`
}

type HubConfig struct {
	Channel        string
	AllowedOrigins []string
	Authenticate   Authenticator
}

var ErrNotInitialized = errors.New("broadcaster not initialized")

// Hub delivers events to per-user rooms of websocket clients. With a Redis
// client every instance publishes to and subscribes from one channel, so an
// event reaches the user wherever they are connected. Local rooms are served
// directly and the instance ignores its own echo. Delivery is at most once.
type Hub struct {
	cfg      HubConfig
	redis    *redis.Client
	origin   string
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}

	initialized atomic.Bool
	closed      atomic.Bool
	pubsub      *redis.PubSub
	wg          sync.WaitGroup
}

// NewHub builds a hub; rdb may be nil for single-instance delivery.
func NewHub(rdb *redis.Client, cfg HubConfig) *Hub {
	if cfg.Channel == "" {
		cfg.Channel = "media-analysis:events"
	}
	h := &Hub{
		cfg:    cfg,
		redis:  rdb,
		origin: uuid.New().String(),
		rooms:  make(map[string]map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 || slices.Contains(h.cfg.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, origin)
}

// Initialize attaches the backplane subscription. Emit returns false until it succeeds.
func (h *Hub) Initialize(ctx context.Context) error {
	if h.initialized.Load() {
		return nil
	}
	if h.cfg.Authenticate == nil {
		return errors.New("broadcaster needs an authenticator")
	}
	if h.redis != nil {
		ps := h.redis.Subscribe(ctx, h.cfg.Channel)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return fmt.Errorf("subscribe %s: %w", h.cfg.Channel, err)
		}
		h.pubsub = ps
		h.wg.Add(1)
		go h.consume(ps.Channel())
	}
	h.initialized.Store(true)
	slog.Info("notification broadcaster initialized", "channel", h.cfg.Channel, "backplane", h.redis != nil)
	return nil
}

func (h *Hub) consume(ch <-chan *redis.Message) {
	defer h.wg.Done()
	for m := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
			slog.Warn("dropping malformed notification", "error", err)
			continue
		}
		if env.Origin == h.origin {
			// already delivered locally by Emit
			continue
		}
		h.deliver(env.UserID, env.Message)
	}
}

// Emit sends event to every connection of userID. It never blocks on clients
// and returns false when the hub is not ready or the event could not be handed off.
func (h *Hub) Emit(userID, event string, payload any) bool {
	if !h.initialized.Load() || h.closed.Load() {
		slog.Warn("notification dropped", "user_id", userID, "event", event, "error", ErrNotInitialized)
		metrics.NotificationsTotal.WithLabelValues(eventKind(event), "not_initialized").Inc()
		return false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("notification payload not encodable", "event", event, "error", err)
		metrics.NotificationsTotal.WithLabelValues(eventKind(event), "error").Inc()
		return false
	}
	msg := Message{Event: event, Payload: raw, Timestamp: time.Now().UTC()}

	h.deliver(userID, msg)
	if h.redis == nil {
		metrics.NotificationsTotal.WithLabelValues(eventKind(event), "sent").Inc()
		return true
	}

	body, err := json.Marshal(envelope{UserID: userID, Origin: h.origin, Message: msg})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(eventKind(event), "error").Inc()
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.redis.Publish(ctx, h.cfg.Channel, body).Err(); err != nil {
		slog.Warn("failed to publish notification", "user_id", userID, "event", event, "error", err)
		metrics.NotificationsTotal.WithLabelValues(eventKind(event), "error").Inc()
		return false
	}
	metrics.NotificationsTotal.WithLabelValues(eventKind(event), "sent").Inc()
	return true
}

// eventKind keeps metric labels bounded: analysis:completed:<id> becomes analysis:completed.
func eventKind(event string) string {
	n := 0
	for i, c := range event {
		if c == ':' {
			n++
			if n == 2 {
				return event[:i]
			}
		}
	}
	return event
}

func (h *Hub) deliver(userID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[userID] {
		c.enqueue(data)
	}
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	room, ok := h.rooms[c.userID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.userID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnections.Inc()
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	if room, ok := h.rooms[c.userID]; ok {
		if _, member := room[c]; member {
			delete(room, c)
			metrics.WSConnections.Dec()
		}
		if len(room) == 0 {
			delete(h.rooms, c.userID)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) Stats() ConnectionStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return ConnectionStats{Connected: n, Users: len(h.rooms), Timestamp: time.Now().UTC()}
}

// ServeHTTP performs the bearer handshake and upgrades the connection.
// The token comes from the Authorization header or the token query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.initialized.Load() || h.closed.Load() {
		writeError(w, http.StatusServiceUnavailable, "notifications unavailable")
		return
	}
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID, err := h.cfg.Authenticate(token)
	if err != nil || userID == "" {
		slog.Debug("websocket handshake rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		slog.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	c := newClient(h, conn, userID)
	h.join(c)
	slog.Debug("websocket client connected", "user_id", userID)

	hello, _ := json.Marshal(map[string]string{"userId": userID})
	c.enqueue(mustMessage("connected", hello))

	go c.writePump()
	go c.readPump()
}

func mustMessage(event string, payload json.RawMessage) []byte {
	data, _ := json.Marshal(Message{Event: event, Payload: payload, Timestamp: time.Now().UTC()})
	return data
}

// Shutdown stops the backplane and closes every connection.
func (h *Hub) Shutdown(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if h.pubsub != nil {
		err = h.pubsub.Close()
	}

	h.mu.Lock()
	clients := make([]*client, 0)
	for _, room := range h.rooms {
		for c := range room {
			clients = append(clients, c)
		}
	}
	h.rooms = make(map[string]map[*client]struct{})
	h.mu.Unlock()
	metrics.WSConnections.Sub(float64(len(clients)))
	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	h.initialized.Store(false)
	slog.Info("notification broadcaster stopped", "closed_connections", len(clients))
	return err
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"statusCode": status, "message": msg})
}
