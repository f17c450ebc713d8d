package presence

import (
	"errors"
	"testing"
	"time"

	"github.com/tj/assert"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry() (*Registry, *clock) {
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistryWithClock(c.Now), c
}

func locationUpdate(t *testing.T, lat, lng float64, name string) Update {
	u, err := ValidateLocationUpdate(LocationPayload{Lat: &lat, Lng: &lng, Name: &name})
	assert.NoError(t, err)
	return u
}

func TestRegistry(t *testing.T) {
	t.Run("register applies defaults", func(t *testing.T) {
		r, c := newTestRegistry()

		resurrected, err := r.Register("A")
		assert.NoError(t, err)
		assert.False(t, resurrected)

		rec, ok := r.Get("A")
		assert.True(t, ok)
		assert.Equal(t, ConnectionID("A"), rec.ConnectionID)
		assert.True(t, rec.Visible)
		assert.False(t, rec.HasLocation())
		assert.Equal(t, DefaultDisplayName, rec.DisplayName)
		assert.Equal(t, DefaultRole, rec.Role)
		assert.Equal(t, StatusOnline, rec.Status)
		assert.Equal(t, c.now, rec.LastSeen)
		assert.True(t, r.Connected("A"))
	})

	t.Run("duplicate connected id", func(t *testing.T) {
		r, _ := newTestRegistry()
		_, err := r.Register("A")
		assert.NoError(t, err)

		_, err = r.Register("A")
		assert.True(t, errors.Is(err, ErrDuplicateID))
		assert.Equal(t, 1, r.Len())
	})

	t.Run("reconnect keeps last known location", func(t *testing.T) {
		r, c := newTestRegistry()
		_, err := r.Register("A")
		assert.NoError(t, err)
		assert.NoError(t, r.ApplyUpdate("A", locationUpdate(t, 40, -73, "Al")))
		assert.NoError(t, r.MarkDisconnected("A", StatusOffline))
		assert.False(t, r.Connected("A"))

		c.Advance(10 * time.Second)
		resurrected, err := r.Register("A")
		assert.NoError(t, err)
		assert.True(t, resurrected)

		rec, _ := r.Get("A")
		assert.True(t, rec.HasLocation())
		assert.Equal(t, 40.0, rec.Lat)
		assert.Equal(t, -73.0, rec.Lng)
		assert.Equal(t, "Al", rec.DisplayName)
		assert.Equal(t, StatusOnline, rec.Status)
		assert.Equal(t, c.now, rec.LastSeen)
	})

	t.Run("update is idempotent", func(t *testing.T) {
		r, _ := newTestRegistry()
		_, _ = r.Register("A")
		u := locationUpdate(t, 10, 20, "Al")

		assert.NoError(t, r.ApplyUpdate("A", u))
		once, _ := r.Get("A")
		assert.NoError(t, r.ApplyUpdate("A", u))
		twice, _ := r.Get("A")
		assert.Equal(t, once, twice)
	})

	t.Run("rejected update leaves record unchanged", func(t *testing.T) {
		r, c := newTestRegistry()
		_, _ = r.Register("A")
		assert.NoError(t, r.ApplyUpdate("A", locationUpdate(t, 10, 20, "Al")))
		before, _ := r.Get("A")

		c.Advance(time.Minute)
		for _, loc := range []Location{{Lat: 91, Lng: 0}, {Lat: -90.5, Lng: 0}, {Lat: 0, Lng: 180.1}, {Lat: 0, Lng: -181}} {
			loc := loc
			empty := ""
			err := r.ApplyUpdate("A", Update{Location: &loc, DisplayName: &empty})
			assert.True(t, errors.Is(err, ErrInvalidPayload))
		}

		after, _ := r.Get("A")
		assert.Equal(t, before, after)
	})

	t.Run("unknown id", func(t *testing.T) {
		r, _ := newTestRegistry()
		assert.True(t, errors.Is(r.ApplyUpdate("B", Update{}), ErrNotFound))
		assert.True(t, errors.Is(r.Touch("B"), ErrNotFound))
		assert.True(t, errors.Is(r.MarkDisconnected("B", StatusOffline), ErrNotFound))
		assert.False(t, r.Remove("B"))
	})

	t.Run("touch only stamps lastSeen", func(t *testing.T) {
		r, c := newTestRegistry()
		_, _ = r.Register("A")
		before, _ := r.Get("A")

		c.Advance(30 * time.Second)
		assert.NoError(t, r.Touch("A"))
		after, _ := r.Get("A")
		assert.Equal(t, c.now, after.LastSeen)

		after.LastSeen = before.LastSeen
		assert.Equal(t, before, after)
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		r, _ := newTestRegistry()
		_, _ = r.Register("B")
		_, _ = r.Register("A")
		assert.NoError(t, r.ApplyUpdate("A", locationUpdate(t, 1, 2, "Al")))

		snap := r.Snapshot()
		assert.Len(t, snap, 2)
		assert.Equal(t, ConnectionID("A"), snap[0].ConnectionID)
		assert.Equal(t, ConnectionID("B"), snap[1].ConnectionID)

		snap[0].Lat = 89
		snap[0].DisplayName = "changed"
		rec, _ := r.Get("A")
		assert.Equal(t, 1.0, rec.Lat)
		assert.Equal(t, "Al", rec.DisplayName)
	})

	t.Run("stale uses strict threshold", func(t *testing.T) {
		r, c := newTestRegistry()
		_, _ = r.Register("old")
		c.Advance(time.Minute)
		_, _ = r.Register("edge")
		c.Advance(time.Minute)
		_, _ = r.Register("fresh")

		assert.Equal(t, []ConnectionID{"old"}, r.Stale(c.now, time.Minute))
		assert.Empty(t, r.Stale(c.now, 2*time.Minute))
	})

	t.Run("remove", func(t *testing.T) {
		r, _ := newTestRegistry()
		_, _ = r.Register("A")
		assert.True(t, r.Remove("A"))
		_, ok := r.Get("A")
		assert.False(t, ok)

		resurrected, err := r.Register("A")
		assert.NoError(t, err)
		assert.False(t, resurrected)
	})
}
