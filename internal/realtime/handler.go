/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/tandemfm/tandem/internal/auth"
	"github.com/tandemfm/tandem/internal/session"
	"github.com/tandemfm/tandem/internal/telemetry"
)

// Inbound command actions.
const (
	actionPlay     = "play"
	actionPause    = "pause"
	actionSeek     = "seek"
	actionSetTrack = "set_track"
	actionNext     = "next"
	actionPrevious = "previous"
	actionReady    = "ready"
	actionQueue    = "queue"
)

type wsCommand struct {
	Action     string              `json:"action"`
	PositionMs int64               `json:"positionMs,omitempty"`
	Index      int                 `json:"index,omitempty"`
	AutoPlay   bool                `json:"autoPlay,omitempty"`
	Queue      *session.QueueAction `json:"queue,omitempty"`
}

type wsError struct {
	Action  string `json:"action"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler upgrades group websocket connections and runs their loops.
type Handler struct {
	hub     *Hub
	manager *session.Manager
	logger  zerolog.Logger
}

// NewHandler creates a websocket handler over the hub and manager.
func NewHandler(hub *Hub, manager *session.Manager, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:     hub,
		manager: manager,
		logger:  logger.With().Str("component", "group_ws").Logger(),
	}
}

// HandleGroupSocket serves GET /api/v1/groups/{groupID}/ws.
func (h *Handler) HandleGroupSocket(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	if groupID == "" {
		http.Error(w, "group id required", http.StatusBadRequest)
		return
	}

	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	socketID := uuid.NewString()
	if err := h.manager.AddSocket(groupID, claims.UserID, socketID); err != nil {
		h.logger.Debug().Err(err).Str("group_id", groupID).Msg("socket attach rejected")
		conn.Close(ws.StatusPolicyViolation, string(session.CodeOf(err)))
		return
	}
	defer h.manager.RemoveSocket(groupID, claims.UserID, socketID)

	telemetry.ConnectedSockets.Inc()
	defer telemetry.ConnectedSockets.Dec()

	c := &client{
		socketID: socketID,
		userID:   claims.UserID,
		username: claims.Username,
		groupID:  groupID,
		send:     make(chan []byte, 64),
	}
	h.hub.register(c)
	defer h.hub.unregister(c)

	h.logger.Debug().
		Str("group_id", groupID).
		Str("user_id", claims.UserID).
		Str("socket_id", socketID).
		Msg("group websocket connected")

	ctx := r.Context()

	// Send initial state so a reconnecting client resynchronizes without
	// waiting for the next change.
	if err := h.sendInitialState(ctx, conn, groupID); err != nil {
		h.logger.Debug().Err(err).Msg("failed to send initial state")
		conn.Close(ws.StatusInternalError, "send failed")
		return
	}

	done := make(chan struct{})
	commandCh := make(chan wsCommand, 16)

	go func() {
		defer close(done)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ws.CloseStatus(err) == ws.StatusNormalClosure {
					return
				}
				h.logger.Debug().Err(err).Msg("websocket read error")
				return
			}

			var cmd wsCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				h.logger.Warn().Err(err).Msg("invalid websocket message")
				continue
			}

			select {
			case commandCh <- cmd:
			default:
				h.logger.Warn().Msg("command channel full, dropping message")
			}
		}
	}()

	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "context cancelled")
			return

		case <-done:
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return

		case <-pingTicker.C:
			if err := h.writeEnvelope(ctx, conn, envelope{Type: eventPing, TS: time.Now().UnixMilli()}); err != nil {
				conn.Close(ws.StatusInternalError, "ping failed")
				return
			}

		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, ws.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Debug().Err(err).Msg("websocket write failed")
				conn.Close(ws.StatusInternalError, "write failed")
				return
			}

		case cmd := <-commandCh:
			if err := h.handleCommand(groupID, claims.UserID, cmd); err != nil {
				h.sendError(ctx, conn, cmd.Action, err)
			}
		}
	}
}

// handleCommand routes one client command into the session manager.
// Deltas reach the client through the hub broadcast, not the return path.
func (h *Handler) handleCommand(groupID, userID string, cmd wsCommand) error {
	var err error
	switch cmd.Action {
	case actionPlay:
		_, err = h.manager.Play(groupID, userID)
	case actionPause:
		_, err = h.manager.Pause(groupID, userID)
	case actionSeek:
		_, err = h.manager.Seek(groupID, userID, cmd.PositionMs)
	case actionSetTrack:
		_, err = h.manager.SetTrack(groupID, userID, cmd.Index, cmd.AutoPlay)
	case actionNext:
		_, err = h.manager.Next(groupID, userID)
	case actionPrevious:
		_, err = h.manager.Previous(groupID, userID)
	case actionReady:
		_, err = h.manager.ReportReady(groupID, userID)
	case actionQueue:
		if cmd.Queue == nil {
			return &session.Error{Code: session.CodeInvalid, Message: "queue action required"}
		}
		_, err = h.manager.ModifyQueue(groupID, userID, *cmd.Queue)
	default:
		return &session.Error{Code: session.CodeInvalid, Message: "unknown action"}
	}
	return err
}

func (h *Handler) sendInitialState(ctx context.Context, conn *ws.Conn, groupID string) error {
	snap, err := h.manager.Snapshot(groupID)
	if err != nil {
		return err
	}
	return h.writeEnvelope(ctx, conn, envelope{
		Type:    eventGroupState,
		GroupID: groupID,
		Payload: snap,
		TS:      time.Now().UnixMilli(),
	})
}

func (h *Handler) sendError(ctx context.Context, conn *ws.Conn, action string, cmdErr error) {
	code := session.CodeOf(cmdErr)
	if code == "" {
		code = session.CodeInvalid
	}

	payload := wsError{Action: action, Code: string(code), Message: cmdErr.Error()}
	if err := h.writeEnvelope(ctx, conn, envelope{
		Type:    eventError,
		Payload: payload,
		TS:      time.Now().UnixMilli(),
	}); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug().Err(err).Msg("failed to send command error")
	}
}

func (h *Handler) writeEnvelope(ctx context.Context, conn *ws.Conn, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, ws.MessageText, data)
}
