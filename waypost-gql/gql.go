// Package waypostgql serves a read-only GraphQL view of the presence server:
// counters, the visible presence set and live tickets.
package waypostgql

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"

	"github.com/waypost-live/waypost-go/graphiql"
	"github.com/waypost-live/waypost-go/presence"
	"github.com/waypost-live/waypost-go/ticket"
	waypostcli "github.com/waypost-live/waypost-go/waypost-cli"
	waypostws "github.com/waypost-live/waypost-go/waypost-ws"
)

//go:embed waypost.gql
var Schema string

// AllowIntrospection is true outside production and always in console mode.
func AllowIntrospection() bool {
	return waypostcli.CommonOpts.Env != "production" || waypostcli.CommonOpts.Console
}

// Source is the state the resolver reads. *waypostws.Handler satisfies it.
type Source interface {
	Stats() waypostws.Stats
	Visible() []presence.Record
	AllTickets() []ticket.Ticket
}

// GraphQLRelay parses Schema against a resolver over source.
func GraphQLRelay(source Source) (*relay.Handler, error) {
	opts := []graphql.SchemaOpt{
		graphql.MaxDepth(8),
	}
	if !AllowIntrospection() {
		opts = append(opts, graphql.DisableIntrospection())
	}

	schema, err := graphql.ParseSchema(Schema, &Resolver{source: source}, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse schema: %w", err)
	}
	return &relay.Handler{Schema: schema}, nil
}

// Routes mounts POST /graphql, plus GraphiQL on GET /graphql when
// introspection is allowed.
func Routes(router chi.Router, source Source) error {
	h, err := GraphQLRelay(source)
	if err != nil {
		return err
	}

	router.Post("/graphql", middleware.NoCache(h).ServeHTTP)
	if AllowIntrospection() {
		router.Get("/graphql", graphiql.New("/graphql"))
	}
	return nil
}

type Resolver struct {
	source Source
}

func (r *Resolver) Stats() *StatsResolver {
	return &StatsResolver{stats: r.source.Stats()}
}

type LatLng struct {
	Lat float64
	Lng float64
}

func (r *Resolver) Presence(args struct {
	Near     *LatLng
	RadiusKm *float64
}) ([]*PresenceResolver, error) {
	var preds []presence.Predicate
	if args.Near != nil && args.RadiusKm != nil {
		center := presence.Location{Lat: args.Near.Lat, Lng: args.Near.Lng}
		if *args.RadiusKm < 0 {
			return nil, fmt.Errorf("radiusKm must not be negative")
		}
		preds = append(preds, presence.Nearby(center, *args.RadiusKm))
	}

	// Visible already applied the configured policy.
	records := presence.ComputeVisible(r.source.Visible(), presence.Policy{AwayVisible: true}, preds...)
	resolvers := make([]*PresenceResolver, 0, len(records))
	for _, record := range records {
		resolvers = append(resolvers, &PresenceResolver{record: record})
	}
	return resolvers, nil
}

func (r *Resolver) Tickets() []*TicketResolver {
	tickets := r.source.AllTickets()
	resolvers := make([]*TicketResolver, 0, len(tickets))
	for _, t := range tickets {
		resolvers = append(resolvers, &TicketResolver{ticket: t})
	}
	return resolvers
}

type StatsResolver struct {
	stats waypostws.Stats
}

func (s *StatsResolver) Connections() int32 { return int32(s.stats.Connections) }
func (s *StatsResolver) Records() int32     { return int32(s.stats.Records) }
func (s *StatsResolver) Visible() int32     { return int32(s.stats.Visible) }
func (s *StatsResolver) Tickets() int32     { return int32(s.stats.Tickets) }

type PresenceResolver struct {
	record presence.Record
}

func (p *PresenceResolver) ID() graphql.ID      { return graphql.ID(p.record.ConnectionID) }
func (p *PresenceResolver) Lat() float64        { return p.record.Lat }
func (p *PresenceResolver) Lng() float64        { return p.record.Lng }
func (p *PresenceResolver) DisplayName() string { return p.record.DisplayName }
func (p *PresenceResolver) Role() string        { return p.record.Role }
func (p *PresenceResolver) Status() string      { return string(p.record.Status) }
func (p *PresenceResolver) LastSeen() string    { return p.record.LastSeen.UTC().Format(time.RFC3339) }

func (p *PresenceResolver) AvatarRef() *string {
	if p.record.AvatarRef == "" {
		return nil
	}
	ref := p.record.AvatarRef
	return &ref
}

type TicketResolver struct {
	ticket ticket.Ticket
}

func (t *TicketResolver) ID() graphql.ID      { return graphql.ID(t.ticket.ID) }
func (t *TicketResolver) Lat() float64        { return t.ticket.Lat }
func (t *TicketResolver) Lng() float64        { return t.ticket.Lng }
func (t *TicketResolver) Message() string     { return t.ticket.Message }
func (t *TicketResolver) CreatorID() string   { return t.ticket.CreatorID }
func (t *TicketResolver) CreatorName() string { return t.ticket.CreatorName }
func (t *TicketResolver) CreatedAt() string   { return t.ticket.CreatedAt.UTC().Format(time.RFC3339) }
