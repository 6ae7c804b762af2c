package realtime

import (
	"sync"

	"tandem/api/internal/metrics"
)

// Subscriber is a connection that can receive encoded frames. Send must not
// block; it reports false when the frame was dropped.
type Subscriber interface {
	ID() string
	Send(frame []byte) bool
}

// Registry tracks room membership in both directions so a closing connection
// can be removed from every room in one step.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[Room]map[string]Subscriber
	memberships map[string]map[Room]struct{}
	metrics     *metrics.Metrics
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		rooms:       make(map[Room]map[string]Subscriber),
		memberships: make(map[string]map[Room]struct{}),
		metrics:     m,
	}
}

// Join adds sub to room. It reports false when sub was already a member.
func (r *Registry) Join(sub Subscriber, room Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	if members == nil {
		members = make(map[string]Subscriber)
		r.rooms[room] = members
	}
	if _, ok := members[sub.ID()]; ok {
		return false
	}
	members[sub.ID()] = sub

	joined := r.memberships[sub.ID()]
	if joined == nil {
		joined = make(map[Room]struct{})
		r.memberships[sub.ID()] = joined
	}
	joined[room] = struct{}{}
	r.gauge(room.Kind, 1)
	return true
}

// Leave removes one membership. It reports false when there was none.
func (r *Registry) Leave(subscriberID string, room Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(subscriberID, room)
}

// Drop removes the subscriber from every room and returns the rooms it left.
func (r *Registry) Drop(subscriberID string) []Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.memberships[subscriberID]
	left := make([]Room, 0, len(joined))
	for room := range joined {
		left = append(left, room)
	}
	for _, room := range left {
		r.leaveLocked(subscriberID, room)
	}
	return left
}

// Members returns a snapshot; later joins and leaves do not affect it.
func (r *Registry) Members(room Room) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]Subscriber, 0, len(members))
	for _, sub := range members {
		out = append(out, sub)
	}
	return out
}

func (r *Registry) IsMember(subscriberID string, room Room) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.memberships[subscriberID][room]
	return ok
}

func (r *Registry) Rooms(subscriberID string) []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.memberships[subscriberID]
	out := make([]Room, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	return out
}

func (r *Registry) leaveLocked(subscriberID string, room Room) bool {
	members := r.rooms[room]
	if _, ok := members[subscriberID]; !ok {
		return false
	}
	delete(members, subscriberID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	joined := r.memberships[subscriberID]
	delete(joined, room)
	if len(joined) == 0 {
		delete(r.memberships, subscriberID)
	}
	r.gauge(room.Kind, -1)
	return true
}

func (r *Registry) gauge(kind RoomKind, delta float64) {
	if r.metrics != nil {
		r.metrics.RoomMembers.WithLabelValues(string(kind)).Add(delta)
	}
}
