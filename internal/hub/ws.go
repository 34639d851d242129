package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"docvault/internal/util"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type inboundMessage struct {
	Event      string `json:"event"`
	DocumentID string `json:"documentId"`
	Content    []byte `json:"content"`
}

type outboundMessage struct {
	Event      string `json:"event"`
	DocumentID string `json:"documentId"`
	Content    []byte `json:"content"`
	User       string `json:"user"`
}

// conn is one websocket participant. It may join several document rooms;
// each joined room forwards into the shared outgoing queue so a single
// recipient sees events in publish order.
type conn struct {
	hub      *Hub
	ws       *websocket.Conn
	handle   string
	outgoing chan outboundMessage
	done     chan struct{}
	joined   map[string]struct{}
}

// ServeWS upgrades the request and runs the connection until the client
// leaves or the transport drops. A disconnect without an explicit leave is
// treated as leaving every joined room.
func ServeWS(h *Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("hub: upgrade: %v", err)
			return
		}

		handle := strings.TrimSpace(r.URL.Query().Get("handle"))
		if handle == "" {
			handle = util.NewID("usr")
		}

		c := &conn{
			hub:      h,
			ws:       ws,
			handle:   handle,
			outgoing: make(chan outboundMessage, sendBuffer),
			done:     make(chan struct{}),
			joined:   make(map[string]struct{}),
		}
		go c.writePump()
		c.readPump()
	})
}

func (c *conn) readPump() {
	defer func() {
		for documentID := range c.joined {
			c.hub.Leave(documentID, c.handle)
		}
		close(c.done)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("hub: read: %v", err)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.DocumentID == "" {
			continue
		}

		switch msg.Event {
		case "join-document":
			if _, ok := c.joined[msg.DocumentID]; ok {
				continue
			}
			c.joined[msg.DocumentID] = struct{}{}
			sub := c.hub.Join(msg.DocumentID, c.handle)
			go c.forward(sub)
		case "leave-document":
			if _, ok := c.joined[msg.DocumentID]; !ok {
				continue
			}
			delete(c.joined, msg.DocumentID)
			c.hub.Leave(msg.DocumentID, c.handle)
		case "document-change":
			c.hub.PublishChange(msg.DocumentID, c.handle, msg.Content)
		}
	}
}

// forward drains one room subscription into the connection's outgoing
// queue. Ends when Leave closes the subscription or the connection dies.
func (c *conn) forward(sub *Subscriber) {
	for change := range sub.Changes() {
		out := outboundMessage{
			Event:      "document-updated",
			DocumentID: change.DocumentID,
			Content:    change.Content,
			User:       change.Origin,
		}
		select {
		case c.outgoing <- out:
		case <-c.done:
			return
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
