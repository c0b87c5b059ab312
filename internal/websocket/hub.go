// Package websocket streams order status changes to connected frontends.
// Updates are fed from the broker consumer, so a client sees changes no
// matter which replica applied them.
package websocket

import (
	"context"
	"encoding/json"
)

// OrderUpdate is the frame pushed to subscribers of one order.
type OrderUpdate struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number,omitempty"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

type Client struct {
	hub     *Hub
	conn    *Conn
	send    chan []byte
	orderID string
}

// Hub tracks subscribers per order id. All state is owned by the Run
// goroutine; other goroutines only talk to it over the channels.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan OrderUpdate
	clients    map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan OrderUpdate),
		clients:    make(map[string]map[*Client]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.orderID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[c.orderID] = set
			}
			set[c] = true

		case c := <-h.unregister:
			if set, ok := h.clients[c.orderID]; ok {
				if _, exists := set[c]; exists {
					delete(set, c)
					close(c.send)
				}
				if len(set) == 0 {
					delete(h.clients, c.orderID)
				}
			}

		case upd := <-h.broadcast:
			msg, err := json.Marshal(upd)
			if err != nil {
				continue
			}
			if set, ok := h.clients[upd.OrderID]; ok {
				for c := range set {
					select {
					case c.send <- msg:
					default:
						// Slow consumer, drop it.
						delete(set, c)
						close(c.send)
					}
				}
			}

		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			return
		}
	}
}

// Broadcast queues an update without blocking the caller.
func (h *Hub) Broadcast(u OrderUpdate) {
	go func() { h.broadcast <- u }()
}
