// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	gwebsocket "github.com/gorilla/websocket" // Alias to avoid name conflict

	"greenhouse-gateway/internal/auth"
	"greenhouse-gateway/internal/data"
	"greenhouse-gateway/internal/devicepref"
	"greenhouse-gateway/internal/storage"
	"greenhouse-gateway/internal/topics"
	"greenhouse-gateway/internal/websocket"
)

const (
	roleAdmin      = "admin"
	historyTimeout = 5 * time.Second
	maxPrefsBody   = 16 << 10
)

// ErrForbidden is returned when a user may not subscribe to a topic.
var ErrForbidden = errors.New("forbidden")

// Directory resolves entity owners and recent history.
type Directory interface {
	DeviceOwner(ctx context.Context, deviceID string) (string, error)
	PlantOwner(ctx context.Context, plantID string) (string, error)
	RecentReadings(ctx context.Context, deviceID string, limit int) ([]data.SensorReading, error)
}

// PreferencePublisher forwards device preferences to the broker.
type PreferencePublisher interface {
	Publish(deviceID string, prefs devicepref.Preferences) error
}

type Options struct {
	AllowedOrigins []string
	HistoryLimit   int
}

type APIHandler struct {
	hub       *websocket.Hub
	auth      *auth.Manager
	directory Directory
	prefs     PreferencePublisher
	logger    *slog.Logger
	upgrader  gwebsocket.Upgrader
	history   int
}

func NewAPIHandler(hub *websocket.Hub, am *auth.Manager, directory Directory, prefs PreferencePublisher, opts Options, logger *slog.Logger) *APIHandler {
	h := &APIHandler{
		hub:       hub,
		auth:      am,
		directory: directory,
		prefs:     prefs,
		logger:    logger.With("component", "api"),
		history:   opts.HistoryLimit,
	}
	h.upgrader = gwebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	hub.OnSubscribe = h.sendHistory
	return h
}

// originChecker allows every origin when none are configured.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket authenticates, upgrades and registers a dashboard
// connection.
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := websocket.NewClient(h.hub, conn, h.authorizer(claims))
	if err := h.hub.Register(client); err != nil {
		conn.WriteControl(gwebsocket.CloseMessage,
			gwebsocket.FormatCloseMessage(gwebsocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
	h.logger.Info("websocket connection established", "conn_id", client.ID, "user_id", claims.UserID())
}

// authorizer lets a user subscribe to the global topic, their own user
// topics, and topics of devices and plants they own. Unclaimed devices are
// visible to everyone.
func (h *APIHandler) authorizer(claims *auth.Claims) websocket.Authorizer {
	return func(topic string) error {
		if claims.Role == roleAdmin || topic == topics.Global {
			return nil
		}
		parts := strings.Split(topic, "/")
		if len(parts) != 3 || parts[1] == "" {
			return fmt.Errorf("%w: unknown topic %q", ErrForbidden, topic)
		}

		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()

		var owner string
		var err error
		switch parts[0] {
		case "users":
			owner = parts[1]
		case "devices":
			owner, err = h.directory.DeviceOwner(ctx, parts[1])
			if err == nil && owner == "" {
				return nil
			}
		case "plants":
			owner, err = h.directory.PlantOwner(ctx, parts[1])
		default:
			return fmt.Errorf("%w: unknown topic %q", ErrForbidden, topic)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
		if owner != claims.UserID() {
			return fmt.Errorf("%w: %s", ErrForbidden, topic)
		}
		return nil
	}
}

// sendHistory replays recent readings to a connection that just subscribed
// to a device readings topic.
func (h *APIHandler) sendHistory(connID, topic string) {
	parts := strings.Split(topic, "/")
	if h.history <= 0 || len(parts) != 3 || parts[0] != "devices" || parts[2] != "readings" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	readings, err := h.directory.RecentReadings(ctx, parts[1], h.history)
	if err != nil {
		h.logger.Warn("load history", "conn_id", connID, "topic", topic, "error", err)
		return
	}
	if len(readings) == 0 {
		return
	}
	if err := h.hub.SendEvent(connID, websocket.HistoryEvent{Topic: topic, Readings: readings}); err != nil {
		h.logger.Warn("send history", "conn_id", connID, "topic", topic, "error", err)
	}
}

// HandlePutPreferences forwards a preferences document to a device the
// caller owns.
func (h *APIHandler) HandlePutPreferences(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	deviceID := chi.URLParam(r, "deviceID")
	if _, err := uuid.Parse(deviceID); err != nil {
		writeError(w, http.StatusBadRequest, "device id must be a UUID")
		return
	}

	owner, err := h.directory.DeviceOwner(r.Context(), deviceID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "device not found")
		return
	case err != nil:
		h.logger.Error("resolve device owner", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if owner != claims.UserID() && claims.Role != roleAdmin {
		writeError(w, http.StatusForbidden, "device belongs to another user")
		return
	}

	var prefs devicepref.Preferences
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPrefsBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := prefs.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.prefs.Publish(deviceID, prefs); err != nil {
		h.logger.Error("publish preferences", "device_id", deviceID, "error", err)
		writeError(w, http.StatusBadGateway, "broker unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// HandleHealth reports liveness and connection statistics.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.hub.Registry().Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"clients":       h.hub.Len(),
		"connections":   stats.Connections,
		"topics":        stats.Topics,
		"subscriptions": stats.Subscriptions,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
