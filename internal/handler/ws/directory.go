package ws

import (
	"sync"

	"github.com/google/uuid"
)

// Directory maps users to their live signaling connection. A user holds at
// most one: registering a new connection displaces the old one
// (last writer wins), which matters for clients reconnecting after a
// network blip before the server noticed the old socket die.
type Directory struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{clients: make(map[uuid.UUID]*Client)}
}

// Register installs the client as the user's connection and returns the
// displaced one, if any
func (d *Directory) Register(c *Client) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.clients[c.userID]
	d.clients[c.userID] = c
	return old
}

// Remove drops the client only if it is still the user's current
// connection. Returns false for a client that was already displaced, so
// its teardown does not count as the user disconnecting.
func (d *Directory) Remove(c *Client) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.clients[c.userID] != c {
		return false
	}
	delete(d.clients, c.userID)
	return true
}

// Get returns the user's current connection
func (d *Directory) Get(userID uuid.UUID) (*Client, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.clients[userID]
	return c, ok
}

// Count returns the number of connected users
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.clients)
}
