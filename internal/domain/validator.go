package domain

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateChannelRef rejects a join, leave or setChannel without a name.
func ValidateChannelRef(ref ChannelRef) error {
	if err := validate.Struct(ref); err != nil {
		return ErrEmptyChannel
	}
	return nil
}

// ValidateAdminRequest rejects an admin request without a channel name.
// Action specific fields are checked by the relay.
func ValidateAdminRequest(req *AdminRequest) error {
	if req == nil {
		return ErrMissingName
	}
	if err := validate.Struct(req); err != nil {
		return ErrMissingName
	}
	return nil
}

// IsPrivateRoom reports whether group is a connection's own room: exactly
// one member whose id is the group name.
func IsPrivateRoom(group string, members []string) bool {
	return len(members) == 1 && members[0] == group
}
