// Package push fans sync events out to connected clients over WebSocket.
// Workers publish through the Notifier methods; clients subscribe per
// account.
package push

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types pushed to subscribers.
const (
	EventNewMail       = "new_mail"
	EventSyncError     = "sync_error"
	EventCycleComplete = "cycle_complete"
)

// Event is one pushed notification.
type Event struct {
	Type      string    `json:"type"`
	AccountID string    `json:"account_id"`
	Folder    string    `json:"folder,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Client wraps one subscriber connection.
type Client struct {
	conn *websocket.Conn
}

// Hub manages active subscriber connections per account. It supports
// multiple connections per account (e.g., multiple tabs).
type Hub struct {
	mu            sync.RWMutex
	clients       map[string]map[*Client]struct{} // accountID -> set of clients
	maxPerAccount int
	upgrader      websocket.Upgrader
}

// NewHub creates a new Hub with a per-account connection limit.
func NewHub(maxPerAccount int) *Hub {
	if maxPerAccount <= 0 {
		maxPerAccount = 10
	}
	return &Hub{
		clients:       make(map[string]map[*Client]struct{}),
		maxPerAccount: maxPerAccount,
		upgrader: websocket.Upgrader{
			// The push port is internal; the API layer in front of it owns
			// origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register adds a subscriber connection for the given account. If the
// per-account limit is exceeded, the new connection is closed and nil is
// returned.
func (h *Hub) Register(accountID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	accountClients, ok := h.clients[accountID]
	if !ok {
		accountClients = make(map[*Client]struct{})
		h.clients[accountID] = accountClients
	}

	if len(accountClients) >= h.maxPerAccount {
		log.Printf("push: account %s exceeded max connections (%d), closing new connection", accountID, h.maxPerAccount)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this account"),
			time.Time{},
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	accountClients[client] = struct{}{}
	return client
}

// Unregister removes a client for the given account and closes the
// connection.
func (h *Hub) Unregister(accountID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	accountClients, ok := h.clients[accountID]
	if !ok {
		_ = client.conn.Close()
		return
	}

	delete(accountClients, client)

	if len(accountClients) == 0 {
		delete(h.clients, accountID)
	}

	_ = client.conn.Close()
}

// ActiveConnections returns the number of active connections for an account.
func (h *Hub) ActiveConnections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[accountID])
}

// NotifyNewMail announces a freshly fetched message in a folder.
func (h *Hub) NotifyNewMail(accountID, folder string) {
	h.broadcast(Event{Type: EventNewMail, AccountID: accountID, Folder: folder, At: time.Now().UTC()})
}

// NotifySyncError announces a sync failure the user should see.
func (h *Hub) NotifySyncError(accountID, message string) {
	h.broadcast(Event{Type: EventSyncError, AccountID: accountID, Message: message, At: time.Now().UTC()})
}

// NotifyCycleComplete announces that a full sync cycle finished.
func (h *Hub) NotifyCycleComplete(accountID string) {
	h.broadcast(Event{Type: EventCycleComplete, AccountID: accountID, At: time.Now().UTC()})
}

// broadcast sends the event to all active clients of its account.
func (h *Hub) broadcast(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Warning: failed to encode push event: %v", err)
		return
	}

	h.mu.RLock()
	accountClients := h.clients[event.AccountID]
	h.mu.RUnlock()

	if len(accountClients) == 0 {
		return
	}

	for client := range accountClients {
		if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("Warning: failed to push event to account %s: %v", event.AccountID, err)
			// Best-effort cleanup: unregister this client.
			go h.Unregister(event.AccountID, client)
		}
	}
}

// ServeHTTP upgrades the request and keeps the subscription open until the
// client disconnects. The account is picked via the account_id query
// parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Warning: failed to upgrade push connection: %v", err)
		return
	}

	client := h.Register(accountID, conn)
	if client == nil {
		return
	}
	defer h.Unregister(accountID, client)

	// Drain the connection; subscribers only listen.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
