// Package ticket stores short-lived geo-tagged announcements. The collection
// is append-only; tickets leave it only through Expire.
package ticket

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const DefaultMaxMessageLength = 500

var ErrInvalidTicket = errors.New("invalid ticket")

type Ticket struct {
	ID          string    `json:"id"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Message     string    `json:"message"`
	CreatorID   string    `json:"creatorId"`
	CreatorName string    `json:"creatorName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Payload is the body of a create-ticket event.
type Payload struct {
	ID          string   `json:"id"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	Message     string   `json:"message"`
	CreatorID   string   `json:"creatorId"`
	CreatorName string   `json:"creatorName"`
}

type Store struct {
	mu         sync.RWMutex
	tickets    []Ticket
	ids        map[string]struct{}
	maxMessage int
	nowF       func() time.Time
}

func NewStore(maxMessage int) *Store {
	return NewStoreWithClock(maxMessage, time.Now)
}

// NewStoreWithClock returns a Store that stamps createdAt using nowF. A
// maxMessage of zero or less uses DefaultMaxMessageLength.
func NewStoreWithClock(maxMessage int, nowF func() time.Time) *Store {
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessageLength
	}
	return &Store{
		ids:        make(map[string]struct{}),
		maxMessage: maxMessage,
		nowF:       nowF,
	}
}

// Create validates p, stamps createdAt and appends the ticket.
func (s *Store) Create(p Payload) (Ticket, error) {
	t, err := s.validate(p)
	if err != nil {
		return Ticket{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[t.ID]; ok {
		return Ticket{}, fmt.Errorf("%w: id %v already exists", ErrInvalidTicket, t.ID)
	}
	t.CreatedAt = s.nowF()
	s.tickets = append(s.tickets, t)
	s.ids[t.ID] = struct{}{}
	return t, nil
}

func (s *Store) validate(p Payload) (Ticket, error) {
	t := Ticket{
		ID:          strings.TrimSpace(p.ID),
		Message:     strings.TrimSpace(p.Message),
		CreatorID:   strings.TrimSpace(p.CreatorID),
		CreatorName: strings.TrimSpace(p.CreatorName),
	}

	switch {
	case t.ID == "":
		return Ticket{}, fmt.Errorf("%w: id is required", ErrInvalidTicket)
	case t.Message == "":
		return Ticket{}, fmt.Errorf("%w: message is required", ErrInvalidTicket)
	case t.CreatorID == "":
		return Ticket{}, fmt.Errorf("%w: creatorId is required", ErrInvalidTicket)
	case t.CreatorName == "":
		return Ticket{}, fmt.Errorf("%w: creatorName is required", ErrInvalidTicket)
	case p.Lat == nil || p.Lng == nil:
		return Ticket{}, fmt.Errorf("%w: lat and lng are required", ErrInvalidTicket)
	case math.IsNaN(*p.Lat) || *p.Lat < -90 || *p.Lat > 90:
		return Ticket{}, fmt.Errorf("%w: lat %v is outside [-90, 90]", ErrInvalidTicket, *p.Lat)
	case math.IsNaN(*p.Lng) || *p.Lng < -180 || *p.Lng > 180:
		return Ticket{}, fmt.Errorf("%w: lng %v is outside [-180, 180]", ErrInvalidTicket, *p.Lng)
	case utf8.RuneCountInString(t.Message) > s.maxMessage:
		return Ticket{}, fmt.Errorf("%w: message exceeds %v characters", ErrInvalidTicket, s.maxMessage)
	}

	t.Lat, t.Lng = *p.Lat, *p.Lng
	return t, nil
}

// All returns a copy of every ticket in creation order.
func (s *Store) All() []Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(make([]Ticket, 0, len(s.tickets)), s.tickets...)
}

// Expire removes tickets created more than ttl before now and returns how
// many were removed.
func (s *Store) Expire(ttl time.Duration, now time.Time) int {
	cutoff := now.Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.tickets[:0]
	removed := 0
	for _, t := range s.tickets {
		if t.CreatedAt.Before(cutoff) {
			delete(s.ids, t.ID)
			removed++
			continue
		}
		kept = append(kept, t)
	}
	// clear the tail so expired tickets can be collected
	for i := len(kept); i < len(s.tickets); i++ {
		s.tickets[i] = Ticket{}
	}
	s.tickets = kept
	return removed
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tickets)
}
