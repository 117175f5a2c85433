package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/domain"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/hub"
	pkglog "github.com/weiawesome/wes-io-live/viewer-service/pkg/log"
)

// SessionHandler is the per-namespace dispatch of connection events.
type SessionHandler interface {
	HandleConnect(ctx context.Context, connID string)
	HandleMessage(ctx context.Context, connID string, raw []byte) error
	HandleDisconnect(ctx context.Context, connID string)
}

// WSHandler handles WebSocket connections for one namespace.
type WSHandler struct {
	namespace string
	hub       *hub.Hub
	session   SessionHandler
	upgrader  websocket.Upgrader
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(namespace string, h *hub.Hub, s SessionHandler) *WSHandler {
	return &WSHandler{
		namespace: namespace,
		hub:       h,
		session:   s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := pkglog.Ctx(r.Context())
		l.Warn().Err(err).Str(pkglog.FieldNamespace, h.namespace).Msg("websocket upgrade failed")
		return
	}

	clientID := uuid.New().String()
	logger := pkglog.L().With().
		Str(pkglog.FieldNamespace, h.namespace).
		Str(pkglog.FieldConnID, clientID).
		Logger()
	// The request context ends when this handler returns.
	ctx := pkglog.WithLogger(context.Background(), logger)

	client := hub.NewClient(clientID, h.hub, conn)
	client.SetDisconnectHandler(func(c *hub.Client) {
		h.session.HandleDisconnect(ctx, c.ID)
	})

	h.hub.Register(client)
	h.session.HandleConnect(ctx, clientID)
	logger.Debug().Msg("client connected")

	go client.WritePump()
	go client.ReadPump(func(c *hub.Client, message []byte) {
		h.handleMessage(ctx, c, message)
	})
}

func (h *WSHandler) handleMessage(ctx context.Context, c *hub.Client, message []byte) {
	err := h.session.HandleMessage(ctx, c.ID, message)
	if err == nil {
		return
	}

	l := pkglog.Ctx(ctx)
	if errors.Is(err, domain.ErrEmptyChannel) {
		// Connection already dropped.
		l.Debug().Err(err).Msg("protocol violation")
		return
	}
	l.Debug().Err(err).Msg("message rejected")

	frame, encErr := errorFrame(err.Error())
	if encErr != nil {
		return
	}
	h.hub.Send(c.ID, frame)
}

func errorFrame(message string) ([]byte, error) {
	env, err := domain.NewEnvelope(domain.MsgTypeError, domain.ErrorMessage{Message: message})
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
