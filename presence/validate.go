package presence

import (
	"math"
	"strings"
)

// Update is a set of fields to merge into a Record. Nil fields are left
// untouched.
type Update struct {
	Location    *Location
	Visible     *bool
	DisplayName *string
	Role        *string
	AvatarRef   *string
	Status      *Status
}

// LocationPayload is the body of a location-update event. Pointer fields
// distinguish absent values from zero values.
type LocationPayload struct {
	Lat   *float64 `json:"lat"`
	Lng   *float64 `json:"lng"`
	Role  *string  `json:"role,omitempty"`
	Name  *string  `json:"name,omitempty"`
	Image *string  `json:"image,omitempty"`
}

// ValidateLocationUpdate normalizes a location-update payload into an Update.
// A missing or empty name becomes DefaultDisplayName and a missing role
// becomes DefaultRole.
func ValidateLocationUpdate(p LocationPayload) (Update, error) {
	if p.Lat == nil || p.Lng == nil {
		return Update{}, invalid("location", "lat and lng are both required")
	}

	loc := Location{Lat: *p.Lat, Lng: *p.Lng}
	if err := validateLocation(loc); err != nil {
		return Update{}, err
	}

	role := DefaultRole
	if p.Role != nil {
		role = strings.TrimSpace(*p.Role)
		if role == "" {
			return Update{}, invalid("role", "must not be empty")
		}
	}

	name := DefaultDisplayName
	if p.Name != nil {
		if trimmed := strings.TrimSpace(*p.Name); trimmed != "" {
			name = trimmed
		}
	}

	u := Update{
		Location:    &loc,
		DisplayName: &name,
		Role:        &role,
	}
	if p.Image != nil {
		avatar := strings.TrimSpace(*p.Image)
		u.AvatarRef = &avatar
	}
	return u, nil
}

// ValidateStatus parses the text of a presence-status event.
func ValidateStatus(text string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(text)))
	if !validStatuses[status] {
		return "", invalid("status", "unknown status %q", text)
	}
	return status, nil
}

// Validate checks every supplied field. The registry calls it before merging
// so an Update is applied entirely or not at all.
func (u Update) Validate() error {
	if u.Location != nil {
		if err := validateLocation(*u.Location); err != nil {
			return err
		}
	}
	if u.DisplayName != nil && strings.TrimSpace(*u.DisplayName) == "" {
		return invalid("displayName", "must not be empty")
	}
	if u.Role != nil && strings.TrimSpace(*u.Role) == "" {
		return invalid("role", "must not be empty")
	}
	if u.Status != nil && !validStatuses[*u.Status] {
		return invalid("status", "unknown status %q", *u.Status)
	}
	return nil
}

func validateLocation(loc Location) error {
	if math.IsNaN(loc.Lat) || loc.Lat < -90 || loc.Lat > 90 {
		return invalid("lat", "%v is outside [-90, 90]", loc.Lat)
	}
	if math.IsNaN(loc.Lng) || loc.Lng < -180 || loc.Lng > 180 {
		return invalid("lng", "%v is outside [-180, 180]", loc.Lng)
	}
	return nil
}

func (u Update) apply(r *Record) {
	if u.Location != nil {
		loc := *u.Location
		r.Location = &loc
	}
	if u.Visible != nil {
		r.Visible = *u.Visible
	}
	if u.DisplayName != nil {
		r.DisplayName = strings.TrimSpace(*u.DisplayName)
	}
	if u.Role != nil {
		r.Role = strings.TrimSpace(*u.Role)
	}
	if u.AvatarRef != nil {
		r.AvatarRef = *u.AvatarRef
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
}
