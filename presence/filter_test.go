package presence

import (
	"math/rand"
	"testing"
	"time"

	"github.com/tj/assert"
)

func visibleRecord(id string, lat, lng float64) Record {
	r := newRecord(ConnectionID(id), time.Unix(0, 0))
	r.Location = &Location{Lat: lat, Lng: lng}
	return r
}

func ids(records []Record) []ConnectionID {
	var out []ConnectionID
	for _, r := range records {
		out = append(out, r.ConnectionID)
	}
	return out
}

func TestComputeVisible(t *testing.T) {
	hidden := visibleRecord("hidden", 1, 1)
	hidden.Visible = false

	noLocation := newRecord("nolocation", time.Unix(0, 0))

	offline := visibleRecord("offline", 1, 1)
	offline.Status = StatusOffline

	away := visibleRecord("away", 1, 1)
	away.Status = StatusAway

	noName := visibleRecord("noname", 1, 1)
	noName.DisplayName = ""

	noRole := visibleRecord("norole", 1, 1)
	noRole.Role = ""

	records := []Record{
		visibleRecord("b", 1, 1),
		hidden,
		noLocation,
		offline,
		away,
		noName,
		noRole,
		visibleRecord("a", 2, 2),
	}

	t.Run("away visible", func(t *testing.T) {
		got := ComputeVisible(records, Policy{AwayVisible: true})
		assert.Equal(t, []ConnectionID{"a", "away", "b"}, ids(got))
	})

	t.Run("away hidden", func(t *testing.T) {
		got := ComputeVisible(records, Policy{AwayVisible: false})
		assert.Equal(t, []ConnectionID{"a", "b"}, ids(got))
	})

	t.Run("independent of input order", func(t *testing.T) {
		want := ComputeVisible(records, Policy{AwayVisible: true})
		shuffled := append([]Record(nil), records...)
		rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		assert.Equal(t, want, ComputeVisible(shuffled, Policy{AwayVisible: true}))
	})

	t.Run("does not share locations with input", func(t *testing.T) {
		in := []Record{visibleRecord("a", 1, 1)}
		out := ComputeVisible(in, Policy{})
		out[0].Lat = 50
		assert.Equal(t, 1.0, in[0].Lat)
	})

	t.Run("predicates compose", func(t *testing.T) {
		onlyA := func(r Record) bool { return r.ConnectionID == "a" }
		got := ComputeVisible(records, Policy{AwayVisible: true}, nil, onlyA)
		assert.Equal(t, []ConnectionID{"a"}, ids(got))
	})
}

func TestNearby(t *testing.T) {
	nyc := Location{Lat: 40.7128, Lng: -74.0060}
	newark := Location{Lat: 40.7357, Lng: -74.1724}
	london := Location{Lat: 51.5074, Lng: -0.1278}

	assert.InDelta(t, 14.1, DistanceKm(nyc, newark), 0.5)
	assert.InDelta(t, 5570, DistanceKm(nyc, london), 10)
	assert.Equal(t, 0.0, DistanceKm(nyc, nyc))

	records := []Record{
		visibleRecord("newark", newark.Lat, newark.Lng),
		visibleRecord("london", london.Lat, london.Lng),
	}
	got := ComputeVisible(records, Policy{}, Nearby(nyc, 50))
	assert.Equal(t, []ConnectionID{"newark"}, ids(got))

	t.Run("scope", func(t *testing.T) {
		scope := NearbyScope(50)
		assert.Nil(t, scope(nil))

		unlocated := newRecord("x", time.Unix(0, 0))
		assert.Nil(t, scope(&unlocated))

		viewer := visibleRecord("viewer", nyc.Lat, nyc.Lng)
		got := ComputeVisible(records, Policy{}, scope(&viewer))
		assert.Equal(t, []ConnectionID{"newark"}, ids(got))
	})
}
