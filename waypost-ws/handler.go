package waypostws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/waypost-live/waypost-go/presence"
	"github.com/waypost-live/waypost-go/ticket"
)

const (
	DefaultInactivityThreshold = 2 * time.Minute
	DefaultTicketTTL           = 30 * time.Minute

	publishTimeout = 5 * time.Second
)

// Publisher mirrors events to an external stream. publish.Publisher
// satisfies it.
type Publisher interface {
	Send(ctx context.Context, topic string, payload interface{}) error
}

// Handler applies client and monitor events to the registry and ticket store
// and broadcasts the result. A single mutex serializes every mutation with
// the snapshot and hand-off that follows it.
type Handler struct {
	Registry            *presence.Registry
	Tickets             *ticket.Store
	Dispatcher          *Dispatcher
	Publisher           Publisher // optional
	Logger              zerolog.Logger
	InactivityThreshold time.Duration   // default 2 minutes
	TicketTTL           time.Duration   // default 30 minutes
	DisconnectStatus    presence.Status // default offline

	mu sync.Mutex
}

// EvictResult summarizes one eviction pass.
type EvictResult struct {
	Evicted []presence.ConnectionID
	Expired int
}

// Changed reports whether the pass removed anything.
func (r EvictResult) Changed() bool {
	return len(r.Evicted) > 0 || r.Expired > 0
}

// Stats are point-in-time counters. They are read without the Handler lock.
type Stats struct {
	Connections int `json:"connections"`
	Records     int `json:"records"`
	Visible     int `json:"visible"`
	Tickets     int `json:"tickets"`
}

// HandleConnect registers id, acknowledges it and broadcasts.
func (h *Handler) HandleConnect(ctx context.Context, id presence.ConnectionID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	resurrected, err := h.Registry.Register(id)
	if err != nil {
		return err
	}

	logger := h.logger(id)
	logger.Info().Bool("resurrected", resurrected).Msg("connection established")
	h.Dispatcher.Send(ctx, id, AckMessage(id))
	h.broadcast(ctx)
	return nil
}

// HandleMessage routes one inbound frame from id. Errors are reported to the
// originator and never returned; a panic is logged and swallowed.
func (h *Handler) HandleMessage(ctx context.Context, id presence.ConnectionID, data []byte) {
	logger := h.logger(id)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("recovered from panic handling message")
		}
	}()

	msg, err := ParseMessage(data)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to parse message")
		h.Dispatcher.Send(ctx, id, ValidationErrorMessage("", err.Error()))
		return
	}

	logger = logger.With().Str("type", msg.Type).Logger()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch msg.Type {
	case MsgLocationUpdate:
		err = h.handleLocation(ctx, id, msg.Payload)
	case MsgVisibilityChange:
		err = h.handleVisibility(ctx, id, msg.Payload)
	case MsgPresenceStatus:
		err = h.handleStatus(ctx, id, msg.Payload)
	case MsgHeartbeat:
		err = h.Registry.Touch(id)
	case MsgCreateTicket:
		err = h.handleCreateTicket(ctx, logger, id, msg.Payload)
	default:
		err = fmt.Errorf("unknown message type %q: %w", msg.Type, presence.ErrInvalidPayload)
	}

	switch {
	case err == nil:
	case errors.Is(err, presence.ErrInvalidPayload), errors.Is(err, ticket.ErrInvalidTicket):
		logger.Debug().Err(err).Msg("rejected message")
		h.Dispatcher.Send(ctx, id, ValidationErrorMessage(msg.Type, reason(err)))
	default:
		logger.Warn().Err(err).Msg("failed to handle message")
	}
}

// HandleHeartbeat records liveness for id.
func (h *Handler) HandleHeartbeat(_ context.Context, id presence.ConnectionID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Registry.Touch(id); err != nil {
		logger := h.logger(id)
		logger.Debug().Err(err).Msg("heartbeat for unknown connection")
	}
}

// HandleClose marks id as disconnected and broadcasts. The record is kept
// until eviction so a reconnect with the same id restores it.
func (h *Handler) HandleClose(ctx context.Context, id presence.ConnectionID, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	logger := h.logger(id)
	if err := h.Registry.MarkDisconnected(id, h.disconnectStatus()); err != nil {
		if errors.Is(err, presence.ErrNotFound) {
			logger.Debug().Str("reason", reason).Msg("close for unknown connection")
			return
		}
		logger.Warn().Err(err).Msg("failed to mark connection disconnected")
		return
	}

	logger.Info().Str("reason", reason).Msg("connection closed")
	h.broadcast(ctx)
}

// Evict removes records idle for longer than the inactivity threshold and
// tickets older than the ticket TTL, closing any connection still open for an
// evicted record. It broadcasts when anything was removed.
func (h *Handler) Evict(ctx context.Context, now time.Time) EvictResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	var result EvictResult
	for _, id := range h.Registry.Stale(now, h.inactivityThreshold()) {
		if h.Registry.Connected(id) {
			h.Dispatcher.Disconnect(id)
		}
		if h.Registry.Remove(id) {
			result.Evicted = append(result.Evicted, id)
			logger := h.logger(id)
			logger.Info().Msg("evicted inactive connection")
		}
	}
	result.Expired = h.Tickets.Expire(h.ticketTTL(), now)

	if result.Changed() {
		h.broadcast(ctx)
	}
	return result
}

// Stats returns the current counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Connections: len(h.Dispatcher.Transport.Connected()),
		Records:     h.Registry.Len(),
		Visible:     len(h.Visible()),
		Tickets:     h.Tickets.Len(),
	}
}

// Visible returns the records every client would currently see.
func (h *Handler) Visible() []presence.Record {
	return presence.ComputeVisible(h.Registry.Snapshot(), h.Dispatcher.Policy)
}

// AllTickets returns the live tickets in creation order.
func (h *Handler) AllTickets() []ticket.Ticket {
	return h.Tickets.All()
}

func (h *Handler) handleLocation(ctx context.Context, id presence.ConnectionID, raw json.RawMessage) error {
	payload, err := decodeLocation(raw)
	if err != nil {
		return err
	}
	update, err := presence.ValidateLocationUpdate(payload)
	if err != nil {
		return err
	}
	if err := h.Registry.ApplyUpdate(id, update); err != nil {
		return err
	}
	h.broadcast(ctx)
	return nil
}

func (h *Handler) handleVisibility(ctx context.Context, id presence.ConnectionID, raw json.RawMessage) error {
	visible, err := decodeVisibility(raw)
	if err != nil {
		return err
	}
	if err := h.Registry.ApplyUpdate(id, presence.Update{Visible: &visible}); err != nil {
		return err
	}
	h.broadcast(ctx)
	return nil
}

func (h *Handler) handleStatus(ctx context.Context, id presence.ConnectionID, raw json.RawMessage) error {
	status, err := decodeStatus(raw)
	if err != nil {
		return err
	}
	if err := h.Registry.ApplyUpdate(id, presence.Update{Status: &status}); err != nil {
		return err
	}
	h.broadcast(ctx)
	return nil
}

func (h *Handler) handleCreateTicket(ctx context.Context, logger zerolog.Logger, id presence.ConnectionID, raw json.RawMessage) error {
	var payload ticket.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("malformed ticket: %w", ticket.ErrInvalidTicket)
	}

	t, err := h.Tickets.Create(payload)
	if err != nil {
		return err
	}
	if err := h.Registry.Touch(id); err != nil {
		logger.Debug().Err(err).Msg("ticket from unregistered connection")
	}

	logger.Info().Str("ticket_id", t.ID).Msg("ticket created")

	created, err := EncodeMessage(MsgTicketCreated, t)
	if err != nil {
		return err
	}
	if err := h.Dispatcher.Fanout(ctx, created); err != nil {
		logger.Warn().Err(err).Msg("failed to fan out ticket")
	}
	h.broadcast(ctx)
	h.publishAsync(logger, MsgTicketCreated, t)
	return nil
}

// broadcast must be called with h.mu held.
func (h *Handler) broadcast(ctx context.Context) {
	if err := h.Dispatcher.Broadcast(ctx, h.Registry.Snapshot(), h.Tickets.All()); err != nil {
		h.Logger.Error().Err(err).Msg("failed to broadcast snapshot")
	}
}

func (h *Handler) publishAsync(logger zerolog.Logger, topic string, payload interface{}) {
	if h.Publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := h.Publisher.Send(ctx, topic, payload); err != nil {
			logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish event")
		}
	}()
}

func (h *Handler) logger(id presence.ConnectionID) zerolog.Logger {
	return h.Logger.With().Str("connection_id", string(id)).Logger()
}

func (h *Handler) inactivityThreshold() time.Duration {
	if h.InactivityThreshold > 0 {
		return h.InactivityThreshold
	}
	return DefaultInactivityThreshold
}

func (h *Handler) ticketTTL() time.Duration {
	if h.TicketTTL > 0 {
		return h.TicketTTL
	}
	return DefaultTicketTTL
}

func (h *Handler) disconnectStatus() presence.Status {
	if h.DisconnectStatus != "" {
		return h.DisconnectStatus
	}
	return presence.StatusOffline
}

// reason strips wrapping context so clients only see the validation message.
func reason(err error) string {
	var verr *presence.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	return err.Error()
}
