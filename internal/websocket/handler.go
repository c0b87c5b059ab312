package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gw "github.com/gorilla/websocket"

	"github.com/1cbyc/ecom-api/internal/apperr"
	"github.com/1cbyc/ecom-api/internal/checkout"
)

type Conn = gw.Conn

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub         *Hub
	checkoutSvc *checkout.Service
	logger      *slog.Logger
}

func NewHandler(hub *Hub, checkoutSvc *checkout.Service, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, checkoutSvc: checkoutSvc, logger: logger}
}

// ServeWS subscribes the caller to one order's status stream. Identity and
// ownership are checked before the upgrade, so an unauthorized caller gets
// a plain HTTP error instead of a half-open socket.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	rawUser := r.Header.Get("X-User-ID")
	userID, err := uuid.Parse(rawUser)
	if rawUser == "" || err != nil {
		http.Error(w, "missing or invalid X-User-ID header", http.StatusBadRequest)
		return
	}
	who := checkout.Identity{
		UserID: userID,
		Admin:  strings.EqualFold(r.Header.Get("X-User-Role"), "admin"),
	}

	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	o, err := h.checkoutSvc.GetOrder(r.Context(), orderID, who)
	if err != nil {
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "order_id", orderID, "err", err)
		return
	}

	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		orderID: o.ID,
	}

	client.hub.register <- client
	go client.writePump()
	go client.readPump()

	// Current state first, so the client does not have to wait for the
	// next change to learn where the order stands.
	snapshot := OrderUpdate{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		Status:      string(o.Status),
		Reason:      o.FailureReason,
	}
	if b, err := json.Marshal(snapshot); err == nil {
		select {
		case client.send <- b:
		case <-time.After(time.Second):
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
}
