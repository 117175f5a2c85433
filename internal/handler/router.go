package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/weiawesome/wes-io-live/viewer-service/pkg/middleware"
)

// Routes groups the handlers served by one process.
type Routes struct {
	Playback *WSHandler
	Channel  *WSHandler
	HTTP     *HTTPHandler
	APIKey   string
}

// NewRouter wires every endpoint behind the CORS middleware.
func NewRouter(rt Routes) http.Handler {
	router := mux.NewRouter()

	// WebSocket endpoints
	router.HandleFunc("/playback", rt.Playback.HandleWebSocket)
	router.HandleFunc("/channel", rt.Channel.HandleWebSocket)

	// HTTP API endpoints
	router.HandleFunc("/viewers", rt.HTTP.GetViewers).Methods("GET")
	router.HandleFunc("/viewers/{channel}", rt.HTTP.GetChannelViewers).Methods("GET")
	router.Handle("/admin", middleware.RequireAPIKey(rt.APIKey)(http.HandlerFunc(rt.HTTP.Admin))).Methods("POST")
	router.HandleFunc("/health", rt.HTTP.HealthCheck).Methods("GET")

	return middleware.CORS(router)
}
