// Package viewers answers viewer count queries from the aggregate
// playback membership.
package viewers

import (
	"sort"

	"github.com/samber/lo"
	"github.com/weiawesome/wes-io-live/viewer-service/internal/domain"
)

// Membership is the read side of a bus namespace.
type Membership interface {
	Count(group string) int
	Rooms() map[string][]string
	Connections() int
}

// Service computes counts and public room listings.
type Service struct {
	playback Membership
}

// NewService creates a query service over the playback namespace.
func NewService(playback Membership) *Service {
	return &Service{playback: playback}
}

// CountOf returns the aggregate viewer count of name, 0 for an empty name.
func (s *Service) CountOf(name string) int {
	if name == "" {
		return 0
	}
	return s.playback.Count(name)
}

// ListPublicRooms returns every non-private room, most watched first and
// by name on ties.
func (s *Service) ListPublicRooms() []domain.RoomViewers {
	rooms := lo.FilterMap(lo.Entries(s.playback.Rooms()), func(e lo.Entry[string, []string], _ int) (domain.RoomViewers, bool) {
		if len(e.Value) == 0 || domain.IsPrivateRoom(e.Key, e.Value) {
			return domain.RoomViewers{}, false
		}
		return domain.RoomViewers{Username: e.Key, Viewers: len(e.Value)}, true
	})

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Viewers != rooms[j].Viewers {
			return rooms[i].Viewers > rooms[j].Viewers
		}
		return rooms[i].Username < rooms[j].Username
	})
	return rooms
}

// TotalConnections returns the number of playback connections across
// every process.
func (s *Service) TotalConnections() int {
	return s.playback.Connections()
}
