package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"tandem/api/internal/rbac"
	"tandem/api/internal/realtime"
)

// Socket commands accepted from clients.
const (
	cmdJoinBoard      = "join_board"
	cmdJoinWorkspace  = "join_workspace"
	cmdLeaveBoard     = "leave_board"
	cmdLeaveWorkspace = "leave_workspace"
	cmdMoveCard       = "move_card"
	cmdAddList        = "add_list"
	cmdAddCard        = "add_card"
	cmdDeleteList     = "delete_list"
)

// Events addressed to a single connection.
const (
	EventConnected = "connected"
	EventError     = "error"
)

// relayEvents maps provisional client commands onto the board event peers
// receive. These carry optimistic UI state only; the committed broadcast
// from the HTTP mutation follows.
var relayEvents = map[string]string{
	cmdMoveCard:   EventCardMoved,
	cmdAddList:    EventListAdded,
	cmdAddCard:    EventCardAdded,
	cmdDeleteList: EventListDeleted,
}

// relayActions is the permission each relay needs: the one its committed
// counterpart requires.
var relayActions = map[string]rbac.Action{
	cmdMoveCard:   rbac.ActionWrite,
	cmdAddList:    rbac.ActionWrite,
	cmdAddCard:    rbac.ActionWrite,
	cmdDeleteList: rbac.ActionAdmin,
}

type relayCommand struct {
	BoardID string          `json:"boardId"`
	OldList json.RawMessage `json:"oldList,omitempty"`
	NewList json.RawMessage `json:"newList,omitempty"`
	List    json.RawMessage `json:"list,omitempty"`
	Card    json.RawMessage `json:"card,omitempty"`
	ListID  string          `json:"listId,omitempty"`
}

func (s *HTTPServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil || s.broadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime is not configured", nil)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	user, err := s.service.Authenticate(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	conn := realtime.NewConn(ws, user.ID, s.connCfg, s.log)
	if s.metrics != nil {
		s.metrics.Connections.Inc()
		defer s.metrics.Connections.Dec()
	}
	defer s.registry.Drop(conn.ID())

	s.log.WithFields(logrus.Fields{"connection_id": conn.ID(), "user_id": user.ID}).Info("socket connected")
	conn.Emit(EventConnected, map[string]string{"connectionId": conn.ID()})
	conn.Run(r.Context(), s.handleCommand)
	s.log.WithField("connection_id", conn.ID()).Info("socket disconnected")
}

func (s *HTTPServer) handleCommand(ctx context.Context, conn *realtime.Conn, msg realtime.Message) {
	switch msg.Event {
	case cmdJoinBoard:
		boardID := commandTarget(msg.Data, "boardId")
		if boardID == "" {
			s.reject(conn, msg.Event, validationError("boardId is required"))
			return
		}
		if _, err := s.service.AuthorizeBoard(ctx, conn.UserID(), boardID); err != nil {
			s.reject(conn, msg.Event, err)
			return
		}
		s.registry.Join(conn, realtime.BoardRoom(boardID))

	case cmdJoinWorkspace:
		workspaceID := commandTarget(msg.Data, "workspaceId")
		if workspaceID == "" {
			s.reject(conn, msg.Event, validationError("workspaceId is required"))
			return
		}
		if err := s.service.AuthorizeWorkspace(ctx, conn.UserID(), workspaceID); err != nil {
			s.reject(conn, msg.Event, err)
			return
		}
		s.registry.Join(conn, realtime.WorkspaceRoom(workspaceID))

	case cmdLeaveBoard:
		s.registry.Leave(conn.ID(), realtime.BoardRoom(commandTarget(msg.Data, "boardId")))

	case cmdLeaveWorkspace:
		s.registry.Leave(conn.ID(), realtime.WorkspaceRoom(commandTarget(msg.Data, "workspaceId")))

	case cmdMoveCard, cmdAddList, cmdAddCard, cmdDeleteList:
		s.relay(ctx, conn, msg)

	default:
		s.log.WithFields(logrus.Fields{
			"connection_id": conn.ID(),
			"event":         msg.Event,
		}).Debug("ignoring unknown socket command")
	}
}

// relay republishes a provisional command to the rest of the sender's board
// room. Senders that have not joined the room are ignored; joined senders
// without the matching permission get an error frame.
func (s *HTTPServer) relay(ctx context.Context, conn *realtime.Conn, msg realtime.Message) {
	var cmd relayCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil || strings.TrimSpace(cmd.BoardID) == "" {
		s.reject(conn, msg.Event, validationError("boardId is required"))
		return
	}
	room := realtime.BoardRoom(cmd.BoardID)
	if !s.registry.IsMember(conn.ID(), room) {
		s.log.WithFields(logrus.Fields{
			"connection_id": conn.ID(),
			"event":         msg.Event,
			"room":          room.String(),
		}).Debug("relay from non-member ignored")
		return
	}
	if err := s.service.AuthorizeBoardAction(ctx, conn.UserID(), cmd.BoardID, relayActions[msg.Event]); err != nil {
		s.reject(conn, msg.Event, err)
		return
	}

	var payload any
	switch msg.Event {
	case cmdMoveCard:
		payload = map[string]json.RawMessage{"oldList": cmd.OldList, "newList": cmd.NewList}
	case cmdAddList:
		payload = cmd.List
	case cmdAddCard:
		payload = cmd.Card
	case cmdDeleteList:
		payload = map[string]string{"listId": cmd.ListID}
	}
	if raw, ok := payload.(json.RawMessage); ok && len(raw) == 0 {
		s.reject(conn, msg.Event, validationError("payload is required"))
		return
	}
	if err := s.broadcaster.Publish(ctx, room, relayEvents[msg.Event], payload, conn.ID()); err != nil {
		s.log.WithError(err).WithField("event", msg.Event).Warn("relay failed")
	}
}

func (s *HTTPServer) reject(conn *realtime.Conn, command string, err error) {
	_, code, message, _ := mapError(err)
	conn.Emit(EventError, map[string]string{
		"command": command,
		"code":    code,
		"error":   message,
	})
}

// commandTarget reads a room id sent either as a bare JSON string or as an
// object field.
func commandTarget(data json.RawMessage, key string) string {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return ""
	}
	if err := json.Unmarshal(fields[key], &id); err != nil {
		return ""
	}
	return strings.TrimSpace(id)
}
