// Package presence holds the connection registry, the payload validator and the
// visibility filter that decide which clients appear in a presence snapshot.
package presence

import "time"

const (
	DefaultDisplayName = "Anonymous"
	DefaultRole        = "user"
)

// ConnectionID identifies one client identity. The transport assigns it at
// connect time; a client may claim it again after a reconnect.
type ConnectionID string

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

var validStatuses = map[Status]bool{
	StatusOnline:  true,
	StatusAway:    true,
	StatusOffline: true,
}

// Location is a WGS84 coordinate pair in decimal degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Record is the per-connection presence state. Location is embedded so lat
// and lng encode flat, and are omitted until the first valid update.
type Record struct {
	ConnectionID ConnectionID `json:"connectionId"`
	*Location
	Visible     bool      `json:"visible"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
	Status      Status    `json:"status"`
	LastSeen    time.Time `json:"lastSeen"`
}

// HasLocation reports whether both coordinates have been reported.
func (r Record) HasLocation() bool {
	return r.Location != nil
}

func (r Record) clone() Record {
	if r.Location != nil {
		loc := *r.Location
		r.Location = &loc
	}
	return r
}

func newRecord(id ConnectionID, now time.Time) Record {
	return Record{
		ConnectionID: id,
		Visible:      true,
		DisplayName:  DefaultDisplayName,
		Role:         DefaultRole,
		Status:       StatusOnline,
		LastSeen:     now,
	}
}
