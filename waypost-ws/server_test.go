package waypostws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tj/assert"

	"github.com/waypost-live/waypost-go/presence"
	"github.com/waypost-live/waypost-go/ticket"
)

func newTestServer(t *testing.T) (*Server, *Handler, *httptest.Server) {
	server := NewServer(zerolog.Nop(), 0, "*")
	handler := &Handler{
		Registry: presence.NewRegistry(),
		Tickets:  ticket.NewStore(0),
		Dispatcher: &Dispatcher{
			Transport: server,
			Logger:    zerolog.Nop(),
			Policy:    presence.Policy{AwayVisible: true},
		},
		Logger: zerolog.Nop(),
	}
	server.Handler = handler

	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Shutdown()
		ts.Close()
	})
	return server, handler, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// next reads frames until one of msgType arrives.
func next(t *testing.T, ws *websocket.Conn, msgType string) Message {
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		assert.NoError(t, err)
		if err != nil {
			t.FailNow()
		}
		msg, err := ParseMessage(data)
		assert.NoError(t, err)
		if msg.Type == msgType {
			return *msg
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestServer(t *testing.T) {
	t.Run("end to end location update", func(t *testing.T) {
		_, _, ts := newTestServer(t)
		ws := dial(t, ts, "?id=A")

		var ack AckPayload
		assert.NoError(t, json.Unmarshal(next(t, ws, MsgConnectionAck).Payload, &ack))
		assert.Equal(t, presence.ConnectionID("A"), ack.ID)

		frame := `{"type":"location-update","payload":{"lat":40.0,"lng":-73.0,"name":"Al"}}`
		assert.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))

		for {
			var records []presence.Record
			assert.NoError(t, json.Unmarshal(next(t, ws, MsgPresenceSnapshot).Payload, &records))
			if len(records) == 0 {
				continue
			}
			assert.Equal(t, "Al", records[0].DisplayName)
			assert.Equal(t, 40.0, records[0].Lat)
			break
		}
	})

	t.Run("assigns an id when none is given", func(t *testing.T) {
		_, handler, ts := newTestServer(t)
		ws := dial(t, ts, "")

		var ack AckPayload
		assert.NoError(t, json.Unmarshal(next(t, ws, MsgConnectionAck).Payload, &ack))
		assert.NotEmpty(t, ack.ID)
		assert.True(t, handler.Registry.Connected(ack.ID))
	})

	t.Run("reconnect with a live id takes it over", func(t *testing.T) {
		server, handler, ts := newTestServer(t)
		first := dial(t, ts, "?id=A")
		next(t, first, MsgConnectionAck)

		frame := `{"type":"location-update","payload":{"lat":40.0,"lng":-73.0}}`
		assert.NoError(t, first.WriteMessage(websocket.TextMessage, []byte(frame)))
		eventually(t, func() bool {
			r, ok := handler.Registry.Get("A")
			return ok && r.Lat == 40.0
		})

		second := dial(t, ts, "?id=A")
		var ack AckPayload
		assert.NoError(t, json.Unmarshal(next(t, second, MsgConnectionAck).Payload, &ack))
		assert.Equal(t, presence.ConnectionID("A"), ack.ID)

		var records []presence.Record
		assert.NoError(t, json.Unmarshal(next(t, second, MsgPresenceSnapshot).Payload, &records))
		r, found := findRecord(records, "A")
		assert.True(t, found)
		assert.Equal(t, 40.0, r.Lat)
		assert.Equal(t, presence.StatusOnline, r.Status)

		_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := first.ReadMessage(); err != nil {
				break
			}
		}

		assert.True(t, handler.Registry.Connected("A"))
		assert.Len(t, server.Connected(), 1)
		assert.NoError(t, server.Send(context.Background(), "A", []byte(`{"type":"noop"}`)))
	})

	t.Run("client close marks record disconnected", func(t *testing.T) {
		server, handler, ts := newTestServer(t)
		ws := dial(t, ts, "?id=A")
		next(t, ws, MsgConnectionAck)
		ws.Close()

		eventually(t, func() bool { return !handler.Registry.Connected("A") })
		eventually(t, func() bool { return len(server.Connected()) == 0 })

		r, ok := handler.Registry.Get("A")
		assert.True(t, ok)
		assert.Equal(t, presence.StatusOffline, r.Status)
	})

	t.Run("server close disconnects the client", func(t *testing.T) {
		server, _, ts := newTestServer(t)
		ws := dial(t, ts, "?id=A")
		next(t, ws, MsgConnectionAck)

		assert.NoError(t, server.Close("A"))
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}
		eventually(t, func() bool { return len(server.Connected()) == 0 })
	})

	t.Run("send to unknown connection", func(t *testing.T) {
		server := NewServer(zerolog.Nop(), 1)
		assert.Error(t, server.Send(context.Background(), "ghost", []byte("x")))
		assert.Error(t, server.Close("ghost"))
	})
}

func TestPingPeriodFor(t *testing.T) {
	tests := []struct {
		threshold time.Duration
		want      time.Duration
	}{
		{2 * time.Minute, DefaultPingPeriod},
		{108 * time.Second, DefaultPingPeriod},
		{30 * time.Second, 15 * time.Second},
		{time.Second, 500 * time.Millisecond},
		{0, DefaultPingPeriod},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PingPeriodFor(tt.threshold), tt.threshold.String())
	}
}

func TestServerPingRefreshesLastSeen(t *testing.T) {
	server, handler, ts := newTestServer(t)
	server.PingPeriod = 20 * time.Millisecond

	ws := dial(t, ts, "?id=A")
	next(t, ws, MsgConnectionAck)
	r, ok := handler.Registry.Get("A")
	assert.True(t, ok)
	connectedAt := r.LastSeen

	// Control frames are answered only while the client reads.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	eventually(t, func() bool {
		r, ok := handler.Registry.Get("A")
		return ok && r.LastSeen.After(connectedAt)
	})
	assert.True(t, handler.Registry.Connected("A"))
}

func TestCheckOrigin(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://waypost.example/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	allowList := checkOrigin([]string{"https://app.example"})
	assert.True(t, allowList(req("")))
	assert.True(t, allowList(req("https://app.example")))
	assert.False(t, allowList(req("https://evil.example")))

	assert.True(t, checkOrigin([]string{"*"})(req("https://evil.example")))

	sameHost := checkOrigin(nil)
	assert.True(t, sameHost(req("http://waypost.example")))
	assert.False(t, sameHost(req("https://app.example")))
}
