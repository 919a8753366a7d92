package social

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore backs all three social store interfaces for dev and tests.
type InMemoryStore struct {
	mu       sync.Mutex
	friends  map[string]map[string]bool // user id -> friend set
	requests map[string]FriendRequest   // request id -> request
	notifs   map[string]*Notification   // notification id -> record
	status   map[string]statusEntry
}

type statusEntry struct {
	status   string
	lastSeen time.Time
}

// NewInMemoryStore constructs an empty in-memory social store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		friends:  make(map[string]map[string]bool),
		requests: make(map[string]FriendRequest),
		notifs:   make(map[string]*Notification),
		status:   make(map[string]statusEntry),
	}
}

// AreFriends reports whether an edge exists between the two users.
func (s *InMemoryStore) AreFriends(ctx context.Context, userA, userB string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.friends[userA][userB], nil
}

// AddFriendship adds the symmetric edge; repeated adds are no-ops.
func (s *InMemoryStore) AddFriendship(ctx context.Context, userA, userB string, _ time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.addEdgeLocked(userA, userB)
	s.addEdgeLocked(userB, userA)
	return nil
}

func (s *InMemoryStore) addEdgeLocked(from, to string) {
	set := s.friends[from]
	if set == nil {
		set = make(map[string]bool)
		s.friends[from] = set
	}
	set[to] = true
}

// RemoveFriendship removes the edge in both directions.
func (s *InMemoryStore) RemoveFriendship(ctx context.Context, userA, userB string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.friends[userA], userB)
	delete(s.friends[userB], userA)
	return nil
}

// CreateRequest stores a pending friend request.
func (s *InMemoryStore) CreateRequest(ctx context.Context, req FriendRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.ID == "" {
		return fmt.Errorf("%w: missing request id", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

// GetRequest returns a pending request by id.
func (s *InMemoryStore) GetRequest(ctx context.Context, requestID string) (FriendRequest, error) {
	if err := ctx.Err(); err != nil {
		return FriendRequest{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return FriendRequest{}, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	return req, nil
}

// FindPending returns the pending request with the exact direction, if any.
func (s *InMemoryStore) FindPending(ctx context.Context, sender, receiver string) (FriendRequest, error) {
	if err := ctx.Err(); err != nil {
		return FriendRequest{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range s.requests {
		if req.Sender == sender && req.Receiver == receiver {
			return req, nil
		}
	}
	return FriendRequest{}, fmt.Errorf("%w: no pending request %s -> %s", ErrNotFound, sender, receiver)
}

// DeleteRequest removes a pending request by id.
func (s *InMemoryStore) DeleteRequest(ctx context.Context, requestID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[requestID]; !ok {
		return fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	delete(s.requests, requestID)
	return nil
}

// Create stores a notification record.
func (s *InMemoryStore) Create(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.ID == "" || n.UserID == "" {
		return fmt.Errorf("%w: bad notification", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := n
	s.notifs[n.ID] = &cp
	return nil
}

// MarkRead flips the read flag for the target user's notification.
func (s *InMemoryStore) MarkRead(ctx context.Context, notificationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifs[notificationID]
	if !ok || n.UserID != userID {
		return fmt.Errorf("%w: notification %s", ErrNotFound, notificationID)
	}
	n.Read = true
	return nil
}

// UnreadCount returns the number of unread notifications for a user.
func (s *InMemoryStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, n := range s.notifs {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

// ListForUser returns the user's notifications, newest first.
func (s *InMemoryStore) ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	out := make([]Notification, 0, limit)
	for _, n := range s.notifs {
		if n.UserID == userID {
			out = append(out, *n)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetStatus records the durable online/offline status with a last-seen time.
func (s *InMemoryStore) SetStatus(ctx context.Context, userID, status string, lastSeen time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[userID] = statusEntry{status: status, lastSeen: lastSeen}
	return nil
}

// Status returns the recorded status for tests and diagnostics.
func (s *InMemoryStore) Status(userID string) (string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.status[userID]
	return e.status, e.lastSeen, ok
}
