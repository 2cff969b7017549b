// Package notify routes events to users: straight to the live connection
// when the target is online, into the pending store when a durable event
// finds its target offline.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-group-service/pkg/model"
	"github.com/example/nats-chat-group-service/pkg/pending"
	"github.com/example/nats-chat-group-service/pkg/presence"
)

// Outcome reports what happened to a dispatched event.
type Outcome int

const (
	// Delivered means the event reached the target's live connection.
	Delivered Outcome = iota
	// Queued means the event was stored for replay on next connect.
	Queued
	// Dropped means a transient event found its target offline.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Presence answers whether a user has a live connection.
type Presence interface {
	ConnFor(userID string) (presence.Conn, bool)
}

// Queue holds durable events for offline users.
type Queue interface {
	Enqueue(ctx context.Context, userID string, e pending.Entry) error
}

// Dispatcher is the single egress point for user-facing events.
type Dispatcher struct {
	presence Presence
	queue    Queue

	dispatched metric.Int64Counter
}

func NewDispatcher(p Presence, q Queue) *Dispatcher {
	meter := otel.Meter("notify")
	dispatched, err := meter.Int64Counter("notify.dispatched",
		metric.WithDescription("Events dispatched, by kind and outcome"))
	if err != nil {
		slog.Warn("dispatch counter unavailable", "error", err)
	}
	return &Dispatcher{presence: p, queue: q, dispatched: dispatched}
}

// Notify routes event to userID. A non-nil error means a durable event could
// not be preserved; every other path degrades to Queued or Dropped without
// error.
func (d *Dispatcher) Notify(ctx context.Context, userID string, event model.Event) (Outcome, error) {
	if conn, ok := d.presence.ConnFor(userID); ok {
		data, err := json.Marshal(event)
		if err != nil {
			return Dropped, fmt.Errorf("marshal %s event: %w", event.Kind(), err)
		}
		sendErr := conn.Send(ctx, data)
		if sendErr == nil {
			d.count(ctx, event, Delivered)
			return Delivered, nil
		}
		// The connection is bad. Treat the user as offline from here on.
		slog.Warn("send failed", "user_id", userID, "kind", event.Kind(), "error", sendErr)
	}

	if !event.Durable() {
		d.count(ctx, event, Dropped)
		return Dropped, nil
	}
	if err := d.queue.Enqueue(ctx, userID, EntryFor(event)); err != nil {
		return Dropped, fmt.Errorf("queue %s event for %s: %w", event.Kind(), userID, err)
	}
	d.count(ctx, event, Queued)
	return Queued, nil
}

func (d *Dispatcher) count(ctx context.Context, event model.Event, o Outcome) {
	if d.dispatched == nil {
		return
	}
	d.dispatched.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", event.Kind()),
			attribute.String("outcome", o.String()),
		))
}

// EntryFor flattens a durable event into its pending-store form.
func EntryFor(event model.Event) pending.Entry {
	switch e := event.(type) {
	case model.JoinRequested:
		return pending.Entry{Kind: e.Kind(), GroupID: e.GroupID, GroupName: e.GroupName, UserID: e.UserID, UserName: e.UserName}
	case model.JoinAccepted:
		return pending.Entry{Kind: e.Kind(), GroupID: e.GroupID, GroupName: e.GroupName}
	case model.JoinRejected:
		return pending.Entry{Kind: e.Kind(), GroupID: e.GroupID, GroupName: e.GroupName}
	case model.MemberAdded:
		return pending.Entry{Kind: e.Kind(), GroupID: e.GroupID, GroupName: e.GroupName}
	case model.MemberRemoved:
		return pending.Entry{Kind: e.Kind(), GroupID: e.GroupID, GroupName: e.GroupName}
	case model.AdminChanged:
		// The new admin's ID rides in the entry's user slot.
		return pending.Entry{Kind: e.Kind(), GroupID: e.GroupID, GroupName: e.GroupName, UserID: e.NewAdminID}
	}
	return pending.Entry{Kind: event.Kind()}
}

// EventFromEntry rebuilds the event a pending entry was flattened from.
// Unknown kinds come back as ok=false and should be skipped.
func EventFromEntry(e pending.Entry) (model.Event, bool) {
	switch e.Kind {
	case model.KindJoinRequested:
		return model.NewJoinRequested(model.JoinRequest{
			GroupID: e.GroupID, GroupName: e.GroupName,
			UserID: e.UserID, UserName: e.UserName,
		}), true
	case model.KindJoinAccepted:
		return model.NewJoinAccepted(e.GroupID, e.GroupName), true
	case model.KindJoinRejected:
		return model.NewJoinRejected(e.GroupID, e.GroupName), true
	case model.KindMemberAdded:
		return model.NewMemberAdded(e.GroupID, e.GroupName), true
	case model.KindMemberRemoved:
		return model.NewMemberRemoved(e.GroupID, e.GroupName), true
	case model.KindAdminChanged:
		return model.NewAdminChanged(e.GroupID, e.GroupName, e.UserID), true
	}
	return nil, false
}
