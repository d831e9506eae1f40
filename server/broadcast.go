package server

import (
	"time"

	"github.com/caretide/dispatch/audit"
)

// EntryMessage is the websocket frame for one audit entry.
type EntryMessage struct {
	Type      string      `json:"type"` // always "audit_entry"
	Entry     audit.Entry `json:"entry"`
	Timestamp int64       `json:"timestamp"`
}

// enqueueEntry is the audit store subscriber. Appends come from shift
// worker goroutines, so this only queues; a saturated feed drops the entry
// for broadcast purposes (the database copy is authoritative).
func (s *Server) enqueueEntry(entry audit.Entry) {
	select {
	case s.entryFeed <- entry:
	default:
		s.broadcastDrops.Add(1)
	}
}

// runBroadcaster fans audit entries out to every connected client.
func (s *Server) runBroadcaster() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case entry := <-s.entryFeed:
			s.broadcastMessage(EntryMessage{
				Type:      "audit_entry",
				Entry:     entry,
				Timestamp: time.Now().Unix(),
			})
		}
	}
}

// broadcastMessage sends a message to all connected clients, skipping any
// whose send buffer is full. Returns how many clients accepted it.
func (s *Server) broadcastMessage(msg any) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.sendMsg <- msg:
			sent++
		default:
			s.broadcastDrops.Add(1)
		}
	}
	return sent
}
