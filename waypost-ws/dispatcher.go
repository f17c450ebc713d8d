package waypostws

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/waypost-live/waypost-go/presence"
	"github.com/waypost-live/waypost-go/ticket"
)

// Transport is the connection layer the core sends through.
type Transport interface {
	// Send hands data to the connection's outbound queue. It must not block
	// on the network.
	Send(ctx context.Context, id presence.ConnectionID, data []byte) error
	// Close terminates the connection. It must not call back into the
	// Handler synchronously.
	Close(id presence.ConnectionID) error
	// Connected lists the ids with an open connection.
	Connected() []presence.ConnectionID
}

// Dispatcher fans presence and ticket snapshots out to every connected client.
type Dispatcher struct {
	Transport   Transport
	Logger      zerolog.Logger
	Policy      presence.Policy
	Scope       presence.Scope // optional per-viewer refinement, e.g. presence.NearbyScope
	Concurrency int            // max concurrent sends (default 50)
}

// Broadcast sends a presence-snapshot and a ticket-snapshot to every
// connected client. A failed send is logged and does not affect the others.
func (d *Dispatcher) Broadcast(ctx context.Context, records []presence.Record, tickets []ticket.Ticket) error {
	visible := presence.ComputeVisible(records, d.Policy)

	if tickets == nil {
		tickets = []ticket.Ticket{}
	}
	ticketMsg, err := EncodeMessage(MsgTicketSnapshot, tickets)
	if err != nil {
		return fmt.Errorf("building ticket snapshot: %w", err)
	}

	var shared []byte
	var byID map[presence.ConnectionID]presence.Record
	if d.Scope == nil {
		if shared, err = EncodeMessage(MsgPresenceSnapshot, visible); err != nil {
			return fmt.Errorf("building presence snapshot: %w", err)
		}
	} else {
		byID = make(map[presence.ConnectionID]presence.Record, len(records))
		for _, r := range records {
			byID[r.ConnectionID] = r
		}
	}

	recipients := d.Transport.Connected()
	d.Logger.Debug().
		Int("recipients", len(recipients)).
		Int("visible", len(visible)).
		Int("tickets", len(tickets)).
		Msg("broadcasting snapshot")

	return d.each(ctx, recipients, func(ctx context.Context, id presence.ConnectionID) error {
		presenceMsg := shared
		if presenceMsg == nil {
			var viewer *presence.Record
			if r, ok := byID[id]; ok {
				viewer = &r
			}
			scoped := presence.ComputeVisible(visible, d.Policy, d.Scope(viewer))
			msg, err := EncodeMessage(MsgPresenceSnapshot, scoped)
			if err != nil {
				return fmt.Errorf("building presence snapshot for %v: %w", id, err)
			}
			presenceMsg = msg
		}
		d.Send(ctx, id, presenceMsg)
		d.Send(ctx, id, ticketMsg)
		return nil
	})
}

// Fanout sends the same message to every connected client.
func (d *Dispatcher) Fanout(ctx context.Context, data []byte) error {
	return d.each(ctx, d.Transport.Connected(), func(ctx context.Context, id presence.ConnectionID) error {
		d.Send(ctx, id, data)
		return nil
	})
}

// Send delivers data to one connection, logging failures.
func (d *Dispatcher) Send(ctx context.Context, id presence.ConnectionID, data []byte) {
	if err := d.Transport.Send(ctx, id, data); err != nil {
		event := d.Logger.Warn()
		if errors.Is(err, ErrConnectionNotFound) {
			event = d.Logger.Debug()
		}
		event.Err(err).Str("connection_id", string(id)).Msg("failed to send to connection")
	}
}

// Disconnect force-closes the connection for id, if any.
func (d *Dispatcher) Disconnect(id presence.ConnectionID) {
	if err := d.Transport.Close(id); err != nil && !errors.Is(err, ErrConnectionNotFound) {
		d.Logger.Warn().Err(err).Str("connection_id", string(id)).Msg("failed to close connection")
	}
}

func (d *Dispatcher) each(ctx context.Context, ids []presence.ConnectionID, fn func(context.Context, presence.ConnectionID) error) error {
	concurrency := d.Concurrency
	if concurrency <= 0 {
		concurrency = 50
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			return fn(ctx, id)
		})
	}

	return g.Wait()
}
