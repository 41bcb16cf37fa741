package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/fleetbeat/internal/auth"
)

// ticketTTL is how long a WebSocket ticket is valid.
const ticketTTL = 60 * time.Second

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

// ticketStore holds pending WebSocket authentication tickets for one server.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	tickets map[string]ticketEntry
	mu      sync.Mutex
	now     func() time.Time
}

type ticketEntry struct {
	claims    *auth.OperatorClaims
	expiresAt time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{
		tickets: make(map[string]ticketEntry),
		now:     time.Now,
	}
}

// issue stores a new ticket bound to claims and returns it.
func (ts *ticketStore) issue(claims *auth.OperatorClaims) string {
	ticket := generateTicket()

	ts.mu.Lock()
	ts.tickets[ticket] = ticketEntry{
		claims:    claims,
		expiresAt: ts.now().Add(ticketTTL),
	}
	ts.mu.Unlock()

	return ticket
}

// consume validates a ticket and removes it. A ticket is accepted once.
func (ts *ticketStore) consume(ticket string) (*auth.OperatorClaims, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	entry, ok := ts.tickets[ticket]
	if !ok {
		return nil, false
	}
	delete(ts.tickets, ticket)

	if !ts.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.claims, true
}

// cleanExpired removes expired tickets.
func (ts *ticketStore) cleanExpired() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	for ticket, entry := range ts.tickets {
		if !now.Before(entry.expiresAt) {
			delete(ts.tickets, ticket)
		}
	}
}

func (ts *ticketStore) len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tickets)
}

// cleanLoop runs cleanExpired periodically until the context is cancelled.
func (ts *ticketStore) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.cleanExpired()
		}
	}
}

// generateTicket creates a cryptographically random ticket string.
func generateTicket() string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}

// handleWSTicket generates a single-use WebSocket authentication ticket for
// the calling operator. Browsers use it in place of the bearer token, which
// they cannot attach to a WebSocket handshake.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	claims := operatorFromContext(r.Context())
	if claims == nil {
		writeBadRequest(w, "operator authentication is disabled; connect to /ws directly")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     s.tickets.issue(claims),
		"expires_in": int(ticketTTL.Seconds()),
	})
}
