package domain

import "errors"

var (
	// ErrEmptyChannel is a protocol violation: join/leave without a channel name.
	ErrEmptyChannel = errors.New("channel name is required")

	// ErrUnknownMessage is returned for frames with an unsupported type.
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrUnauthorized rejects admin requests with a missing or wrong API key.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMissingName rejects admin requests without a channel name.
	ErrMissingName = errors.New("name is required")

	// ErrMissingEventMessage rejects admin events without event.message.
	ErrMissingEventMessage = errors.New("event.message is required")

	// ErrMissingURL rejects redirects without a target.
	ErrMissingURL = errors.New("url is required")

	// ErrUnknownAction rejects admin requests with an unsupported action.
	ErrUnknownAction = errors.New("unknown action")
)
