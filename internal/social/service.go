package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	v1 "pulse/contracts/realtime/v1"
)

// Pusher delivers best-effort envelopes to a user's live sessions.
type Pusher interface {
	PushToUser(userID string, env v1.Envelope) int
}

// ActorResolver turns a user identity into the summary carried in pushes.
// The user-profile collection is an external collaborator; when no resolver is
// configured, pushes carry the bare identity.
type ActorResolver interface {
	ResolveActor(ctx context.Context, userID string) (v1.UserSummary, error)
}

// Service is the social event router: it validates, persists, and pushes
// friend-graph events and generic notifications. Persistence is the durable
// source of truth; every push is best-effort.
type Service struct {
	log     *slog.Logger
	friends FriendStore
	notifs  NotificationStore
	status  StatusStore
	push    Pusher

	actors          ActorResolver
	notifyOnDecline bool
}

// Option configures the Service.
type Option func(*Service)

// WithActorResolver supplies profile summaries for push payloads.
func WithActorResolver(r ActorResolver) Option {
	return func(s *Service) { s.actors = r }
}

// WithDeclineNotify controls whether declining a friend request pushes a
// status event to the original sender. Off by default: the source behavior is
// ambiguous and this is a product decision, not a protocol requirement.
func WithDeclineNotify(enabled bool) Option {
	return func(s *Service) { s.notifyOnDecline = enabled }
}

// NewService constructs the social event router.
func NewService(log *slog.Logger, friends FriendStore, notifs NotificationStore, status StatusStore, push Pusher, opts ...Option) (*Service, error) {
	if log == nil || friends == nil || notifs == nil || status == nil || push == nil {
		return nil, errors.New("social: nil dependency")
	}
	s := &Service{log: log, friends: friends, notifs: notifs, status: status, push: push}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// SendFriendRequest validates and persists a friend request plus its
// notification record, then pushes new_friend_request to the receiver.
func (s *Service) SendFriendRequest(ctx context.Context, sender, receiver string, now time.Time) (FriendRequest, error) {
	if !validIdentity(sender) || !validIdentity(receiver) {
		return FriendRequest{}, fmt.Errorf("%w: malformed identity", ErrInvalidArgument)
	}
	if sender == receiver {
		return FriendRequest{}, fmt.Errorf("%w: cannot befriend yourself", ErrInvalidArgument)
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	already, err := s.friends.AreFriends(ctx, sender, receiver)
	if err != nil {
		return FriendRequest{}, fmt.Errorf("friend lookup: %w", err)
	}
	if already {
		return FriendRequest{}, fmt.Errorf("%w: already friends", ErrConflict)
	}

	if _, err := s.friends.FindPending(ctx, sender, receiver); err == nil {
		return FriendRequest{}, fmt.Errorf("%w: request already pending", ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return FriendRequest{}, fmt.Errorf("pending lookup: %w", err)
	}

	if _, err := s.friends.FindPending(ctx, receiver, sender); err == nil {
		return FriendRequest{}, fmt.Errorf("%w: reverse request pending", ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return FriendRequest{}, fmt.Errorf("pending lookup: %w", err)
	}

	id, err := NewID(now)
	if err != nil {
		return FriendRequest{}, err
	}
	req := FriendRequest{ID: id, Sender: sender, Receiver: receiver, CreatedAt: now}
	if err := s.friends.CreateRequest(ctx, req); err != nil {
		return FriendRequest{}, fmt.Errorf("persist request: %w", err)
	}

	notif, err := s.persistNotification(ctx, receiver, sender, KindFriendRequest, "You have a new friend request", now)
	if err != nil {
		// The request itself is durable; the notification record is
		// supplementary and its absence self-heals on the next fetch.
		s.log.Warn("friend_request.notification.fail", "request_id", req.ID, "err", err)
	}

	payload, _ := json.Marshal(v1.NewFriendRequestPayload{
		RequestID: req.ID,
		From:      s.actorSummary(ctx, sender),
		Message:   notif.Message,
		CreatedAt: now,
	})
	s.push.PushToUser(receiver, s.newEnvelope(v1.TypeNewFriendRequest, payload, now))

	return req, nil
}

// AcceptFriendRequest adds the symmetric friendship, deletes the request, and
// notifies the original sender. Only the request's receiver may accept.
func (s *Service) AcceptFriendRequest(ctx context.Context, requestID, actorID string, now time.Time) (FriendRequest, error) {
	if strings.TrimSpace(requestID) == "" || !validIdentity(actorID) {
		return FriendRequest{}, fmt.Errorf("%w: bad accept input", ErrInvalidArgument)
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	req, err := s.friends.GetRequest(ctx, requestID)
	if err != nil {
		return FriendRequest{}, err
	}
	if req.Receiver != actorID {
		return FriendRequest{}, fmt.Errorf("%w: request not addressed to this user", ErrInvalidArgument)
	}

	// Set-add: accepting twice concurrently converges on the same edge.
	if err := s.friends.AddFriendship(ctx, req.Sender, req.Receiver, now); err != nil {
		return FriendRequest{}, fmt.Errorf("add friendship: %w", err)
	}
	if err := s.friends.DeleteRequest(ctx, req.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return FriendRequest{}, fmt.Errorf("delete request: %w", err)
	}

	notif, err := s.persistNotification(ctx, req.Sender, req.Receiver, KindFriendAccept, "Your friend request was accepted", now)
	if err != nil {
		s.log.Warn("friend_accept.notification.fail", "request_id", req.ID, "err", err)
	}

	payload, _ := json.Marshal(v1.FriendRequestStatusPayload{
		Status:    KindFriendAccept,
		From:      s.actorSummary(ctx, req.Receiver),
		Message:   notif.Message,
		CreatedAt: now,
	})
	s.push.PushToUser(req.Sender, s.newEnvelope(v1.TypeFriendRequestStatus, payload, now))

	return req, nil
}

// DeclineFriendRequest deletes the request. Only the request's receiver may
// decline. Whether the original sender is told is configurable
// (WithDeclineNotify); nothing is persisted for them either way.
func (s *Service) DeclineFriendRequest(ctx context.Context, requestID, actorID string, now time.Time) error {
	if strings.TrimSpace(requestID) == "" || !validIdentity(actorID) {
		return fmt.Errorf("%w: bad decline input", ErrInvalidArgument)
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	req, err := s.friends.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Receiver != actorID {
		return fmt.Errorf("%w: request not addressed to this user", ErrInvalidArgument)
	}
	if err := s.friends.DeleteRequest(ctx, req.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete request: %w", err)
	}

	if s.notifyOnDecline {
		payload, _ := json.Marshal(v1.FriendRequestStatusPayload{
			Status:    KindFriendDecline,
			From:      s.actorSummary(ctx, req.Receiver),
			Message:   "Your friend request was declined",
			CreatedAt: now,
		})
		s.push.PushToUser(req.Sender, s.newEnvelope(v1.TypeFriendRequestStatus, payload, now))
	}

	return nil
}

// CancelFriendRequest is the sender-initiated withdrawal of a pending
// request. No push: the receiver never acted on it.
func (s *Service) CancelFriendRequest(ctx context.Context, sender, receiver string) error {
	if !validIdentity(sender) || !validIdentity(receiver) {
		return fmt.Errorf("%w: malformed identity", ErrInvalidArgument)
	}

	req, err := s.friends.FindPending(ctx, sender, receiver)
	if err != nil {
		return err
	}
	return s.friends.DeleteRequest(ctx, req.ID)
}

// RemoveFriend removes the symmetric friendship edge. No push required.
func (s *Service) RemoveFriend(ctx context.Context, userID, friendID string) error {
	if !validIdentity(userID) || !validIdentity(friendID) {
		return fmt.Errorf("%w: malformed identity", ErrInvalidArgument)
	}
	return s.friends.RemoveFriendship(ctx, userID, friendID)
}

// NotifyInput describes a generic notification event.
type NotifyInput struct {
	Receiver string
	Actor    string
	Kind     string
	Message  string
	Now      time.Time
}

// Notify persists a generic notification and pushes it if the target is online.
func (s *Service) Notify(ctx context.Context, in NotifyInput) (Notification, error) {
	if !validIdentity(in.Receiver) || !validIdentity(in.Actor) {
		return Notification{}, fmt.Errorf("%w: malformed identity", ErrInvalidArgument)
	}
	if strings.TrimSpace(in.Kind) == "" || strings.TrimSpace(in.Message) == "" {
		return Notification{}, fmt.Errorf("%w: missing kind or message", ErrInvalidArgument)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	notif, err := s.persistNotification(ctx, in.Receiver, in.Actor, in.Kind, in.Message, now)
	if err != nil {
		return Notification{}, fmt.Errorf("persist notification: %w", err)
	}

	payload, _ := json.Marshal(v1.NewNotificationPayload{
		NotificationID: notif.ID,
		Kind:           notif.Kind,
		From:           s.actorSummary(ctx, in.Actor),
		Message:        notif.Message,
		CreatedAt:      now,
	})
	s.push.PushToUser(in.Receiver, s.newEnvelope(v1.TypeNewNotification, payload, now))

	return notif, nil
}

// MarkNotificationRead flips the read flag and echoes the marker to the
// user's other sessions so multi-tab badges converge.
func (s *Service) MarkNotificationRead(ctx context.Context, notificationID, userID string, now time.Time) error {
	if strings.TrimSpace(notificationID) == "" || !validIdentity(userID) {
		return fmt.Errorf("%w: bad mark-read input", ErrInvalidArgument)
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if err := s.notifs.MarkRead(ctx, notificationID, userID); err != nil {
		return err
	}

	payload, _ := json.Marshal(v1.NotificationReadPayload{NotificationID: notificationID})
	s.push.PushToUser(userID, s.newEnvelope(v1.TypeNotificationRead, payload, now))
	return nil
}

// SetUserStatus writes the durable online/offline status. Callers treat the
// write as fire-and-forget; failures must never block a session.
func (s *Service) SetUserStatus(ctx context.Context, userID, status string, lastSeen time.Time) error {
	if !validIdentity(userID) {
		return fmt.Errorf("%w: malformed identity", ErrInvalidArgument)
	}
	return s.status.SetStatus(ctx, userID, status, lastSeen)
}

// UnreadNotifications returns the unread badge count for a user.
func (s *Service) UnreadNotifications(ctx context.Context, userID string) (int, error) {
	return s.notifs.UnreadCount(ctx, userID)
}

// Notifications returns the user's notifications, newest first.
func (s *Service) Notifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	return s.notifs.ListForUser(ctx, userID, limit)
}

func (s *Service) persistNotification(ctx context.Context, userID, actor, kind, message string, now time.Time) (Notification, error) {
	id, err := NewID(now)
	if err != nil {
		return Notification{}, err
	}
	n := Notification{
		ID:        id,
		UserID:    userID,
		Actor:     actor,
		Kind:      kind,
		Message:   message,
		CreatedAt: now,
	}
	if err := s.notifs.Create(ctx, n); err != nil {
		return Notification{Message: message}, err
	}
	return n, nil
}

func (s *Service) actorSummary(ctx context.Context, userID string) v1.UserSummary {
	if s.actors == nil {
		return v1.UserSummary{ID: userID}
	}
	sum, err := s.actors.ResolveActor(ctx, userID)
	if err != nil {
		s.log.Debug("actor.resolve.fail", "user_id", userID, "err", err)
		return v1.UserSummary{ID: userID}
	}
	return sum
}

func (s *Service) newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := NewID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func validIdentity(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}
