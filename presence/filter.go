package presence

import (
	"math"
	"sort"
)

const earthRadiusKm = 6371.0

// Policy holds the configurable parts of the visibility rules.
type Policy struct {
	// AwayVisible keeps away records in snapshots. Offline records are always
	// excluded.
	AwayVisible bool
}

// Predicate is an extra condition a record must satisfy to be broadcast.
type Predicate func(Record) bool

// Scope builds the predicate applied to one viewer's snapshot. viewer is nil
// when the recipient has no record.
type Scope func(viewer *Record) Predicate

// Eligible reports whether r passes the base visibility rules.
func (p Policy) Eligible(r Record) bool {
	switch {
	case !r.Visible:
		return false
	case !r.HasLocation():
		return false
	case r.DisplayName == "" || r.Role == "":
		return false
	case r.Status == StatusOffline:
		return false
	case r.Status == StatusAway && !p.AwayVisible:
		return false
	}
	return true
}

// ComputeVisible returns the records eligible for broadcast, ordered by
// connection id. It never modifies records.
func ComputeVisible(records []Record, policy Policy, preds ...Predicate) []Record {
	visible := make([]Record, 0, len(records))
outer:
	for _, r := range records {
		if !policy.Eligible(r) {
			continue
		}
		for _, pred := range preds {
			if pred != nil && !pred(r) {
				continue outer
			}
		}
		visible = append(visible, r.clone())
	}

	sort.Slice(visible, func(i, j int) bool {
		return visible[i].ConnectionID < visible[j].ConnectionID
	})
	return visible
}

// Nearby matches records within radiusKm of center.
func Nearby(center Location, radiusKm float64) Predicate {
	return func(r Record) bool {
		if !r.HasLocation() {
			return false
		}
		return DistanceKm(center, *r.Location) <= radiusKm
	}
}

// NearbyScope restricts each viewer to records within radiusKm of the
// viewer's own location. Viewers without a location see everything.
func NearbyScope(radiusKm float64) Scope {
	return func(viewer *Record) Predicate {
		if viewer == nil || !viewer.HasLocation() {
			return nil
		}
		return Nearby(*viewer.Location, radiusKm)
	}
}

// DistanceKm is the haversine great-circle distance between a and b.
func DistanceKm(a, b Location) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
