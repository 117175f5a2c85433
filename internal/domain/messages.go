package domain

import "encoding/json"

// Namespaces.
const (
	NamespacePlayback = "playback"
	NamespaceChannel  = "channel"
)

// Client -> Server message types.
const (
	MsgTypeJoin       = "join"
	MsgTypeLeave      = "leave"
	MsgTypeSetChannel = "setChannel" // playback only: leave everything, then join
	MsgTypeEvent      = "event"      // channel only, also Server -> Client
)

// Server -> Client message types.
const (
	MsgTypeViewerCount = "viewerCount"
	MsgTypeLive        = "live"
	MsgTypeReload      = "reload"
	MsgTypeRedirect    = "redirect"
	MsgTypeError       = "error"
)

// Envelope is the frame exchanged on every WebSocket connection.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type.
// A nil data yields an envelope without payload.
func NewEnvelope(msgType string, data interface{}) (*Envelope, error) {
	env := &Envelope{Type: msgType}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	env.Data = raw
	return env, nil
}

// ChannelRef is the payload of join, leave and setChannel.
type ChannelRef struct {
	Name string `json:"name" validate:"required"`
}

// ViewerCount is sent to playback connections.
type ViewerCount struct {
	Channel string `json:"channel"`
	Viewers int    `json:"viewers"`
}

// ChannelEvent is the payload of an admin `event`.
type ChannelEvent struct {
	Channel ChannelRef      `json:"channel"`
	Event   json.RawMessage `json:"event"`
}

// ErrorMessage is sent when a frame cannot be handled.
type ErrorMessage struct {
	Message string `json:"message"`
}

// Admin actions.
const (
	ActionLive     = "live"
	ActionEvent    = "event"
	ActionReload   = "reload"
	ActionRedirect = "redirect"
)

// AdminRequest is the body of POST /admin.
type AdminRequest struct {
	Name   string          `json:"name" validate:"required"`
	Action string          `json:"action"`
	Live   *bool           `json:"live,omitempty"`
	Event  json.RawMessage `json:"event,omitempty"`
	URL    string          `json:"url,omitempty"`
}

// RoomViewers is one entry of the public room listing.
type RoomViewers struct {
	Username string `json:"username"`
	Viewers  int    `json:"viewers"`
}

// ViewersResponse is the response of GET /viewers.
type ViewersResponse struct {
	Rooms            []RoomViewers `json:"rooms"`
	TotalConnections int           `json:"total_connections"`
}

// ChannelViewersResponse is the response of GET /viewers/{channel}.
type ChannelViewersResponse struct {
	Viewers int `json:"viewers"`
}
