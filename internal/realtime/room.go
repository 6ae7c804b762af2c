// Package realtime fans committed mutations out to connected clients. Rooms
// scope delivery to a board or a workspace; a connection joins any number of
// rooms and leaves all of them when it closes.
package realtime

import "strings"

type RoomKind string

const (
	KindBoard     RoomKind = "board"
	KindWorkspace RoomKind = "workspace"
)

type Room struct {
	Kind RoomKind
	ID   string
}

func BoardRoom(boardID string) Room {
	return Room{Kind: KindBoard, ID: boardID}
}

func WorkspaceRoom(workspaceID string) Room {
	return Room{Kind: KindWorkspace, ID: workspaceID}
}

func (r Room) String() string {
	return string(r.Kind) + ":" + r.ID
}

// ParseRoom is the inverse of Room.String.
func ParseRoom(value string) (Room, bool) {
	kind, id, ok := strings.Cut(value, ":")
	if !ok || id == "" {
		return Room{}, false
	}
	switch RoomKind(kind) {
	case KindBoard, KindWorkspace:
		return Room{Kind: RoomKind(kind), ID: id}, true
	default:
		return Room{}, false
	}
}
