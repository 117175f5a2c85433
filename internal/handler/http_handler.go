package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live/viewer-service/pkg/log"
	"github.com/weiawesome/wes-io-live/viewer-service/pkg/response"
)

// ViewerQuery answers viewer count queries.
type ViewerQuery interface {
	CountOf(name string) int
	ListPublicRooms() []domain.RoomViewers
	TotalConnections() int
}

// Relayer pushes admin commands to a channel.
type Relayer interface {
	Relay(ctx context.Context, req *domain.AdminRequest) error
}

// HTTPHandler handles the HTTP API.
type HTTPHandler struct {
	viewers ViewerQuery
	relay   Relayer
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(viewers ViewerQuery, relay Relayer) *HTTPHandler {
	return &HTTPHandler{
		viewers: viewers,
		relay:   relay,
	}
}

// GetViewers handles GET /viewers
// Lists public rooms by viewer count and the total number of connections.
func (h *HTTPHandler) GetViewers(w http.ResponseWriter, r *http.Request) {
	rooms := h.viewers.ListPublicRooms()
	if rooms == nil {
		rooms = []domain.RoomViewers{}
	}

	response.JSON(w, http.StatusOK, domain.ViewersResponse{
		Rooms:            rooms,
		TotalConnections: h.viewers.TotalConnections(),
	})
}

// GetChannelViewers handles GET /viewers/{channel}
func (h *HTTPHandler) GetChannelViewers(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]

	response.JSON(w, http.StatusOK, domain.ChannelViewersResponse{
		Viewers: h.viewers.CountOf(channel),
	})
}

// Admin handles POST /admin. The API key is checked by middleware.
func (h *HTTPHandler) Admin(w http.ResponseWriter, r *http.Request) {
	var req domain.AdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	err := h.relay.Relay(r.Context(), &req)
	switch {
	case err == nil:
		response.Success(w, nil)
	case errors.Is(err, domain.ErrUnauthorized):
		response.Forbidden(w, err.Error())
	case errors.Is(err, domain.ErrMissingName),
		errors.Is(err, domain.ErrMissingEventMessage),
		errors.Is(err, domain.ErrMissingURL):
		response.BadRequest(w, err.Error())
	default:
		l := pkglog.Ctx(r.Context())
		l.Warn().Err(err).Str(pkglog.FieldAction, req.Action).Str(pkglog.FieldChannel, req.Name).Msg("admin command failed")
		response.InternalError(w, err.Error())
	}
}

// HealthCheck handles GET /health
func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
