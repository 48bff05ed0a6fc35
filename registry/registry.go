// Package registry maintains which live client connections belong to which
// team, for push-notification fan-out.
package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Sender is a per-connection delivery handle. Send must not block
// indefinitely; the websocket client buffers and drops on overflow.
type Sender interface {
	Send(msg interface{}) error
}

type connection struct {
	teams  map[string]struct{}
	sender Sender
}

// Registry is the team-keyed connection directory. The forward index
// (team -> connections) and reverse index (connection -> teams) are kept
// consistent under a single lock: a connection id never appears in a team
// set without a matching reverse record, and vice versa.
type Registry struct {
	mu     sync.RWMutex
	teams  map[string]map[string]struct{}
	conns  map[string]*connection
	logger *zap.SugaredLogger
}

// New creates an empty registry.
func New(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		teams:  make(map[string]map[string]struct{}),
		conns:  make(map[string]*connection),
		logger: logger,
	}
}

// Connect registers a connection under each of its teams. Re-connecting an
// existing id first detaches its previous memberships.
func (r *Registry) Connect(connID string, teamIDs []string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; exists {
		r.detachLocked(connID)
	}

	conn := &connection{teams: make(map[string]struct{}, len(teamIDs)), sender: sender}
	for _, teamID := range teamIDs {
		conn.teams[teamID] = struct{}{}
		set, ok := r.teams[teamID]
		if !ok {
			set = make(map[string]struct{})
			r.teams[teamID] = set
		}
		set[connID] = struct{}{}
	}
	r.conns[connID] = conn

	r.logger.Infow("Client connected",
		"connection_id", connID,
		"teams", teamIDs,
		"total_connections", len(r.conns),
	)
}

// Disconnect removes a connection from every team set and deletes the
// reverse record. Unknown ids are a no-op.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; !exists {
		return
	}
	r.detachLocked(connID)

	r.logger.Infow("Client disconnected",
		"connection_id", connID,
		"total_connections", len(r.conns),
	)
}

// detachLocked removes connID from all indexes. Caller holds r.mu.
func (r *Registry) detachLocked(connID string) {
	conn := r.conns[connID]
	for teamID := range conn.teams {
		if set, ok := r.teams[teamID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.teams, teamID)
			}
		}
	}
	delete(r.conns, connID)
}

// Broadcast pushes msg to every connection in the team's set. Delivery is
// fire-and-forget per connection: a failing (stale) connection is logged
// and skipped, never fatal to the remaining fan-out. Returns the number of
// connections the message was handed to.
func (r *Registry) Broadcast(teamID string, msg interface{}) int {
	r.mu.RLock()
	targets := make(map[string]Sender)
	for connID := range r.teams[teamID] {
		if conn, ok := r.conns[connID]; ok {
			targets[connID] = conn.sender
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for connID, sender := range targets {
		if err := sender.Send(msg); err != nil {
			r.logger.Warnw("Broadcast delivery failed",
				"connection_id", connID,
				"team_id", teamID,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Teams returns the team memberships of a connection, sorted.
func (r *Registry) Teams(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	teams := make([]string, 0, len(conn.teams))
	for teamID := range conn.teams {
		teams = append(teams, teamID)
	}
	sort.Strings(teams)
	return teams
}

// Connections returns the connection ids subscribed to a team, sorted.
func (r *Registry) Connections(teamID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.teams[teamID]))
	for connID := range r.teams[teamID] {
		ids = append(ids, connID)
	}
	sort.Strings(ids)
	return ids
}
