// Package collab relays editor events between users sharing a sandbox.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/JoeProAI/neural-weights-hub/internal/ws"
)

// Message types exchanged over the collaboration socket.
const (
	TypeAuthenticate    = "authenticate"
	TypeAuthError       = "auth_error"
	TypeReady           = "collaboration_ready"
	TypeJoined          = "collaborator_joined"
	TypeLeft            = "collaborator_left"
	TypeCodeUpdate      = "code_update"
	TypeCursorUpdate    = "cursor_update"
	TypeExecutionResult = "execution_result"
	TypeAISuggestion    = "ai_suggestion"
	TypeProjectSaved    = "project_saved"
	TypeChatMessage     = "chat_message"
	TypePing            = "ping"
	TypePong            = "pong"
)

var relayed = map[string]struct{}{
	TypeCodeUpdate:      {},
	TypeCursorUpdate:    {},
	TypeExecutionResult: {},
	TypeAISuggestion:    {},
	TypeProjectSaved:    {},
}

// ErrUnauthenticated is returned when the first frame is not a valid
// authenticate message.
var ErrUnauthenticated = errors.New("authentication failed")

// Identity is the verified caller of a socket.
type Identity struct {
	UserID string
	Name   string
	Email  string
}

// Authenticator verifies the token carried in the authenticate frame.
type Authenticator interface {
	Identify(ctx context.Context, token string) (Identity, error)
}

// Conn is a bidirectional message connection.
type Conn interface {
	ws.Subscriber
	Read() ([]byte, error)
}

// Envelope is the wire frame: a type tag and a free-form JSON object.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Service runs collaboration sessions.
type Service struct {
	rooms  *ws.Rooms
	auth   Authenticator
	ids    *snowflake.Node
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a collaboration service. nodeID distinguishes instances
// when generating chat message ids.
func New(rooms *ws.Rooms, auth Authenticator, nodeID int64, logger *slog.Logger) (*Service, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	return &Service{rooms: rooms, auth: auth, ids: node, logger: logger.With("component", "collab"), now: time.Now}, nil
}

// Serve handles one connection until it closes or ctx ends.
func (s *Service) Serve(ctx context.Context, conn Conn) error {
	defer conn.Close()
	me, room, err := s.handshake(ctx, conn)
	if err != nil {
		s.send(conn, TypeAuthError, map[string]any{"error": "Authentication failed"})
		return err
	}

	member := ws.Member{UserID: me.UserID, UserName: displayName(me), Email: me.Email, Conn: conn}
	existing := s.rooms.Join(room, member)
	defer s.leave(room, conn)

	s.broadcast(room, TypeJoined, map[string]any{
		"user":      map[string]string{"id": me.UserID, "name": member.UserName},
		"timestamp": s.millis(),
	}, conn)
	s.send(conn, TypeReady, map[string]any{"collaborators": others(existing, me.UserID), "sandboxId": room})
	s.logger.Info("collaborator joined", "sandbox_id", room, "user_id", me.UserID)

	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := conn.Read()
		if err != nil {
			return nil
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		s.dispatch(room, member, env)
	}
}

func (s *Service) handshake(ctx context.Context, conn Conn) (Identity, string, error) {
	raw, err := conn.Read()
	if err != nil {
		return Identity{}, "", err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != TypeAuthenticate {
		return Identity{}, "", ErrUnauthenticated
	}
	var body struct {
		Token     string `json:"token"`
		SandboxID string `json:"sandboxId"`
	}
	if err := json.Unmarshal(env.Data, &body); err != nil {
		return Identity{}, "", ErrUnauthenticated
	}
	room := strings.TrimSpace(body.SandboxID)
	if room == "" || strings.TrimSpace(body.Token) == "" {
		return Identity{}, "", ErrUnauthenticated
	}
	me, err := s.auth.Identify(ctx, body.Token)
	if err != nil {
		s.logger.Warn("collaboration authentication failed", "sandbox_id", room, "error", err)
		return Identity{}, "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return me, room, nil
}

func (s *Service) dispatch(room string, from ws.Member, env Envelope) {
	switch {
	case env.Type == TypePing:
		s.send(from.Conn, TypePong, map[string]any{"timestamp": s.millis()})
	case env.Type == TypeChatMessage:
		var body struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Data, &body)
		s.broadcast(room, TypeChatMessage, map[string]any{
			"id":        s.ids.Generate().String(),
			"userId":    from.UserID,
			"userName":  from.UserName,
			"message":   body.Message,
			"timestamp": s.millis(),
		}, nil)
	default:
		if _, ok := relayed[env.Type]; !ok {
			return
		}
		data := map[string]any{}
		if len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, &data)
		}
		data["userId"] = from.UserID
		data["userName"] = from.UserName
		data["timestamp"] = s.millis()
		s.broadcast(room, env.Type, data, from.Conn)
	}
}

func (s *Service) leave(room string, conn Conn) {
	m, ok := s.rooms.Leave(room, conn)
	if !ok {
		return
	}
	s.broadcast(room, TypeLeft, map[string]any{"userId": m.UserID, "userName": m.UserName, "timestamp": s.millis()}, nil)
	s.logger.Info("collaborator left", "sandbox_id", room, "user_id", m.UserID)
}

func (s *Service) broadcast(room, kind string, data any, skip ws.Subscriber) {
	payload, err := encode(kind, data)
	if err != nil {
		s.logger.Warn("failed to encode collaboration frame", "type", kind, "error", err)
		return
	}
	s.rooms.Broadcast(room, payload, skip)
}

func (s *Service) send(conn ws.Subscriber, kind string, data any) {
	payload, err := encode(kind, data)
	if err != nil {
		return
	}
	_ = conn.Send(payload)
}

func (s *Service) millis() int64 {
	return s.now().UnixMilli()
}

func encode(kind string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, Data: raw})
}

func displayName(id Identity) string {
	if id.Name != "" {
		return id.Name
	}
	return id.Email
}

func others(members []ws.Member, userID string) []ws.Member {
	out := make([]ws.Member, 0, len(members))
	for _, m := range members {
		if m.UserID != userID {
			out = append(out, m)
		}
	}
	return out
}
