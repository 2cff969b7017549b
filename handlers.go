package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/nats-chat-group-service/pkg/model"
	"github.com/example/nats-chat-group-service/pkg/otelhelper"
	"github.com/example/nats-chat-group-service/pkg/presence"
	"github.com/example/nats-chat-group-service/pkg/workflow"
)

const workersQueue = "group-workers"

// natsConn is the delivery channel for one connected client: everything sent
// to it rides the client's deliver.{connId} subject, consumed by whichever
// edge holds the socket.
type natsConn struct {
	nc *nats.Conn
	id string
}

func (c *natsConn) ID() string { return c.id }

func (c *natsConn) Send(ctx context.Context, data []byte) error {
	return otelhelper.TracedPublish(ctx, c.nc, "deliver."+c.id, data)
}

type connectRequest struct {
	SessionID string `json:"sessionId"`
	ConnID    string `json:"connId"`
}

type disconnectRequest struct {
	ConnID string `json:"connId"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type respondRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Accept    bool   `json:"accept"`
}

type targetRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type createGroupRequest struct {
	SessionID         string `json:"sessionId"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	DeleteOnAdminExit bool   `json:"deleteOnAdminExit,omitempty"`
}

type server struct {
	nc       *nats.Conn
	registry *presence.Registry
	engine   *workflow.Engine

	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newServer(nc *nats.Conn, registry *presence.Registry, engine *workflow.Engine) *server {
	meter := otel.Meter("group-service")
	requests, _ := meter.Int64Counter("group_requests_total",
		metric.WithDescription("Total group service requests processed"))
	duration, _ := otelhelper.NewDurationHistogram(meter,
		"group_request_duration_seconds", "Duration of group service requests")
	return &server{nc: nc, registry: registry, engine: engine, requests: requests, duration: duration}
}

func (s *server) subscribe() error {
	subs := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{"presence.connect", s.handleConnect},
		{"presence.disconnect", s.handleDisconnect},
		{"group.create", s.handleCreateGroup},
		{"group.list", s.handleListGroups},
		{"group.list.mine", s.handleListMyGroups},
		{"group.join.request.*", s.handleJoinRequest},
		{"group.join.respond.*", s.handleJoinRespond},
		{"group.join.dismiss.*", s.handleJoinDismiss},
		{"group.member.add.*", s.handleMemberAdd},
		{"group.member.remove.*", s.handleMemberRemove},
		{"group.admin.transfer.*", s.handleAdminTransfer},
		{"group.leave.*", s.handleLeave},
		{"group.members.*", s.handleListMembers},
	}
	for _, sub := range subs {
		if _, err := s.nc.QueueSubscribe(sub.subject, workersQueue, sub.handler); err != nil {
			return err
		}
	}
	return nil
}

// validID rejects empty ids and ids with dots, which would corrupt subject
// routing and the KV backend's dotted composite keys.
func validID(id string) bool {
	return id != "" && !strings.Contains(id, ".")
}

// groupID pulls the trailing subject token: group.join.request.{groupId}.
func groupID(subject string) string {
	idx := strings.LastIndex(subject, ".")
	if idx < 0 {
		return ""
	}
	return subject[idx+1:]
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, workflow.ErrInvalidSession):
		return "invalid_session"
	case errors.Is(err, workflow.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, workflow.ErrGroupNotFound):
		return "group_not_found"
	case errors.Is(err, workflow.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, workflow.ErrAlreadyMember):
		return "already_member"
	case errors.Is(err, workflow.ErrAlreadyRequested):
		return "already_requested"
	case errors.Is(err, workflow.ErrNotMember):
		return "not_member"
	case errors.Is(err, workflow.ErrAdminProtected):
		return "admin_protected"
	}
	return "internal"
}

func (s *server) respondOK(msg *nats.Msg, body any) {
	if body == nil {
		msg.Respond([]byte(`{"ok":true}`))
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("Failed to marshal response", "subject", msg.Subject, "error", err)
		msg.Respond([]byte(`{"error":"internal"}`))
		return
	}
	msg.Respond(data)
}

func (s *server) respondErr(ctx context.Context, msg *nats.Msg, span trace.Span, err error) {
	code := errorCode(err)
	if code == "internal" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.ErrorContext(ctx, "Request failed", "subject", msg.Subject, "error", err)
	} else {
		span.SetAttributes(attribute.String("chat.error", code))
	}
	data, _ := json.Marshal(map[string]string{"error": code})
	msg.Respond(data)
}

func (s *server) observe(ctx context.Context, action string, start time.Time) {
	attrs := metric.WithAttributes(attribute.String("action", action))
	if s.requests != nil {
		s.requests.Add(ctx, 1, attrs)
	}
	if s.duration != nil {
		s.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

func (s *server) handleConnect(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "presence connect")
	defer span.End()
	defer s.observe(ctx, "connect", start)

	var req connectRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || !validID(req.ConnID) {
		slog.WarnContext(ctx, "Invalid connect request", "error", err)
		msg.Respond([]byte(`{"error":"bad_request"}`))
		return
	}
	span.SetAttributes(attribute.String("chat.conn", req.ConnID))

	userID, err := s.registry.Connect(ctx, &natsConn{nc: s.nc, id: req.ConnID}, req.SessionID)
	if err != nil {
		s.respondErr(ctx, msg, span, err)
		return
	}
	span.SetAttributes(attribute.String("chat.user", userID))
	s.respondOK(msg, map[string]any{"ok": true, "userId": userID})
}

func (s *server) handleDisconnect(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "presence disconnect")
	defer span.End()
	defer s.observe(ctx, "disconnect", start)

	var req disconnectRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || !validID(req.ConnID) {
		slog.WarnContext(ctx, "Invalid disconnect request", "error", err)
		msg.Respond([]byte(`{"error":"bad_request"}`))
		return
	}
	s.registry.Disconnect(req.ConnID)
	s.respondOK(msg, nil)
}

func (s *server) handleCreateGroup(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "group create")
	defer span.End()
	defer s.observe(ctx, "create", start)

	var req createGroupRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Name == "" {
		slog.WarnContext(ctx, "Invalid create request", "error", err)
		msg.Respond([]byte(`{"error":"bad_request"}`))
		return
	}

	group, err := s.engine.CreateGroup(ctx, req.SessionID, req.Name, req.Description, req.DeleteOnAdminExit)
	if err != nil {
		s.respondErr(ctx, msg, span, err)
		return
	}
	span.SetAttributes(attribute.String("chat.group", group.GroupID))
	s.respondOK(msg, map[string]any{"ok": true, "group": group})
}

func (s *server) handleListGroups(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "group list")
	defer span.End()
	defer s.observe(ctx, "list", start)

	var req sessionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.WarnContext(ctx, "Invalid list request", "error", err)
		msg.Respond([]byte(`{"error":"bad_request"}`))
		return
	}

	groups, err := s.engine.ListGroups(ctx, req.SessionID)
	if err != nil {
		s.respondErr(ctx, msg, span, err)
		return
	}
	if groups == nil {
		groups = []model.Group{}
	}
	s.respondOK(msg, map[string]any{"ok": true, "groups": groups})
}

func (s *server) handleListMyGroups(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "group list mine")
	defer span.End()
	defer s.observe(ctx, "list_mine", start)

	var req sessionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.WarnContext(ctx, "Invalid list request", "error", err)
		msg.Respond([]byte(`{"error":"bad_request"}`))
		return
	}

	groups, err := s.engine.ListUserGroups(ctx, req.SessionID)
	if err != nil {
		s.respondErr(ctx, msg, span, err)
		return
	}
	if groups == nil {
		groups = []model.Group{}
	}
	s.respondOK(msg, map[string]any{"ok": true, "groups": groups})
}

func (s *server) handleJoinRequest(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "join request")
	defer span.End()
	defer s.observe(ctx, "join_request", start)

	gid := groupID(msg.Subject)
	var req sessionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || gid == "" {
		slog.WarnContext(ctx, "Invalid join request", "error", err)
		msg.Respond([]byte(`{"error":"bad_request"}`))
		return
	}
	span.SetAttributes(attribute.String("chat.group", gid))

	if err := s.engine.RequestJoin(ctx, req.SessionID, gid); err != nil {
		s.respondErr(ctx, msg, span, err)
		return
	}
	s.respondOK(msg, nil)
}

func (s *server) handleJoinRespond(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "join respond")
	defer span.End()
	defer s.observe(ctx, "join_respond", start)

	gid := groupID(msg.Subject)
	var req respondRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || gid == "" || !validID(req.UserID) {
		slog.WarnContext(ctx, "Invalid respond request", "error", err)
		msg.Respond([]byte(`{"error":"bad_request"}`))
		return
	}
	span.SetAttributes(
		attribute.String("chat.group", gid),
		attribute.String("chat.user", req.UserID),
		attribute.Bool("chat.accept", req.Accept),
	)

	if err := s.engine.RespondJoin(ctx, req.SessionID, gid, req.UserID, req.Accept); err != nil {
		s.respondErr(ctx, msg, span, err)
		return
	}
	s.respondOK(msg, nil)
}

func (s *server) handleJoinDismiss(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "join dismiss")
	defer span.End()
	defer s.observe(ctx, "join_dismiss", start)

	gid := groupID(msg.Subject)
	var req targetRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || gid == "" || !validID(req.UserID) {
		slog.WarnContext(ctx, "Invalid dismiss request", "error", err)
		msg.Respond([]byte(`{"error":"bad_request"}`))
		return
	}

	removed, err := s.engine.DismissNotification(ctx, req.SessionID, gid, req.UserID)
	if err != nil {
		s.respondErr(ctx, msg, span, err)
		return
	}
	s.respondOK(msg, map[string]any{"ok": true, "removed": removed})
}

func (s *server) handleMemberAdd(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "member add")
	defer span.End()
	defer s.observe(ctx, "member_add", start)

	gid := groupID(msg.Subject)
	var req targetRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || gid == "" || !validID(req.UserID) {
		slog.WarnContext(ctx, "Invalid member add request", "error", err)
		msg.Respond([]byte(`{"error":"bad_request"}`))
		return
	}

	if err := s.engine.AddMember(ctx, req.SessionID, gid, req.UserID); err != nil {
		s.respondErr(ctx, msg, span, err)
		return
	}
	s.respondOK(msg, nil)
}

func (s *server) handleMemberRemove(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "member remove")
	defer span.End()
	defer s.observe(ctx, "member_remove", start)

	gid := groupID(msg.Subject)
	var req targetRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || gid == "" || !validID(req.UserID) {
		slog.WarnContext(ctx, "Invalid member remove request", "error", err)
		msg.Respond([]byte(`{"error":"bad_request"}`))
		return
	}

	if err := s.engine.RemoveMember(ctx, req.SessionID, gid, req.UserID); err != nil {
		s.respondErr(ctx, msg, span, err)
		return
	}
	s.respondOK(msg, nil)
}

func (s *server) handleAdminTransfer(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "admin transfer")
	defer span.End()
	defer s.observe(ctx, "admin_transfer", start)

	gid := groupID(msg.Subject)
	var req targetRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || gid == "" || !validID(req.UserID) {
		slog.WarnContext(ctx, "Invalid admin transfer request", "error", err)
		msg.Respond([]byte(`{"error":"bad_request"}`))
		return
	}

	if err := s.engine.TransferAdmin(ctx, req.SessionID, gid, req.UserID); err != nil {
		s.respondErr(ctx, msg, span, err)
		return
	}
	s.respondOK(msg, nil)
}

func (s *server) handleLeave(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "group leave")
	defer span.End()
	defer s.observe(ctx, "leave", start)

	gid := groupID(msg.Subject)
	var req sessionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || gid == "" {
		slog.WarnContext(ctx, "Invalid leave request", "error", err)
		msg.Respond([]byte(`{"error":"bad_request"}`))
		return
	}

	if err := s.engine.LeaveGroup(ctx, req.SessionID, gid); err != nil {
		s.respondErr(ctx, msg, span, err)
		return
	}
	s.respondOK(msg, nil)
}

func (s *server) handleListMembers(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "members query")
	defer span.End()
	defer s.observe(ctx, "members", start)

	gid := groupID(msg.Subject)
	var req sessionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || gid == "" {
		slog.WarnContext(ctx, "Invalid members request", "error", err)
		msg.Respond([]byte(`{"error":"bad_request"}`))
		return
	}

	members, err := s.engine.ListMembers(ctx, req.SessionID, gid)
	if err != nil {
		s.respondErr(ctx, msg, span, err)
		return
	}
	if members == nil {
		members = []model.Membership{}
	}
	s.respondOK(msg, map[string]any{"ok": true, "members": members})
}
