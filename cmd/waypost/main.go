package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/waypost-live/waypost-go/presence"
	"github.com/waypost-live/waypost-go/ticket"
	waypostcli "github.com/waypost-live/waypost-go/waypost-cli"
	waypostcron "github.com/waypost-live/waypost-go/waypost-cron"
	waypostgql "github.com/waypost-live/waypost-go/waypost-gql"
	waypostrest "github.com/waypost-live/waypost-go/waypost-rest"
	waypostws "github.com/waypost-live/waypost-go/waypost-ws"
	"github.com/waypost-live/waypost-go/waypost-ws/publish"
)

var service = waypostcli.NewService("waypost")

func main() {
	flags := append([]cli.Flag{}, waypostcli.CommonFlags...)
	flags = append(flags, waypostcli.PortFlag(8080))
	flags = append(flags, waypostcli.PresenceFlags...)

	app := waypostcli.App(service, action, flags...)
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

func action(_ *cli.Context) error {
	if err := waypostcli.ValidatePresenceOpts(); err != nil {
		return err
	}

	opts := &waypostcli.PresenceOpts
	logger := waypostcli.Logger(service)
	origins := opts.AllowedOrigins.Value()

	server := waypostws.NewServer(logger.With().Str("component", "transport").Logger(), opts.SendQueue, origins...)
	server.PingPeriod = waypostws.PingPeriodFor(opts.InactivityThreshold)

	dispatcher := &waypostws.Dispatcher{
		Transport:   server,
		Logger:      logger.With().Str("component", "dispatcher").Logger(),
		Policy:      presence.Policy{AwayVisible: opts.AwayVisible},
		Concurrency: opts.FanoutConcurrency,
	}
	if opts.NearbyRadiusKm > 0 {
		dispatcher.Scope = presence.NearbyScope(opts.NearbyRadiusKm)
	}

	handler := &waypostws.Handler{
		Registry:            presence.NewRegistry(),
		Tickets:             ticket.NewStore(opts.TicketMaxLength),
		Dispatcher:          dispatcher,
		Logger:              logger,
		InactivityThreshold: opts.InactivityThreshold,
		TicketTTL:           opts.TicketTTL,
		DisconnectStatus:    presence.Status(strings.ToLower(opts.DisconnectStatus)),
	}
	if opts.TicketStream != "" {
		handler.Publisher = publish.Build(waypostcli.CommonOpts.Env, opts.TicketStream, service.Name)
	}
	server.Handler = handler

	var metrics waypostws.MetricsSink
	if opts.Metrics {
		metrics = waypostcli.BuildMetrics(service)
	}
	monitor := waypostws.NewMonitor(handler, metrics, logger.With().Str("component", "monitor").Logger())
	cron := waypostcron.NewHandler(service, opts.CheckInterval, monitor.RunOnce)
	cron.Logger = monitor.Logger

	router := waypostrest.Middlewares(logger, origins, chi.NewRouter())
	router.Get("/ws", server.ServeHTTP)
	router.Get("/healthz", waypostrest.Healthz(func() (int, int) {
		stats := handler.Stats()
		return stats.Connections, stats.Tickets
	}))
	if err := waypostgql.Routes(router, handler); err != nil {
		return err
	}
	if opts.StaticDir != "" {
		waypostrest.Static(router, opts.StaticDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Dur("check_interval", opts.CheckInterval).
		Dur("inactivity_threshold", opts.InactivityThreshold).
		Dur("ping_period", server.PingPeriod).
		Dur("ticket_ttl", opts.TicketTTL).
		Bool("away_visible", opts.AwayVisible).
		Float64("nearby_radius_km", opts.NearbyRadiusKm).
		Msg("starting presence server")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return waypostrest.Webserver(ctx, logger, waypostcli.CommonOpts.Port, router)
	})
	g.Go(func() error {
		return cron.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		server.Shutdown()
		return nil
	})
	return g.Wait()
}
