package waypostcli

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

var CommonOpts struct {
	Console  bool
	Env      string
	LogLevel string
	Port     int
}

var ConsoleFlag = cli.BoolFlag{
	Name:        "console",
	Usage:       "write human readable logs instead of json",
	Value:       false,
	EnvVars:     []string{"CONSOLE"},
	Destination: &CommonOpts.Console,
}
var EnvFlag = cli.StringFlag{
	Name:        "env",
	Usage:       "environment",
	Value:       "local",
	EnvVars:     []string{"ENV"},
	Destination: &CommonOpts.Env,
}
var LogLevelFlag = cli.StringFlag{
	Name:        "log-level",
	Usage:       "minimum log level (trace, debug, info, warn, error)",
	Value:       "info",
	EnvVars:     []string{"LOG_LEVEL"},
	Destination: &CommonOpts.LogLevel,
}
var PortFlag = func(p int) *cli.IntFlag {
	return &cli.IntFlag{
		Name:        "port",
		Usage:       "Port to listen to",
		Value:       p,
		EnvVars:     []string{"PORT"},
		Destination: &CommonOpts.Port,
	}
}

var CommonFlags = []cli.Flag{
	&ConsoleFlag,
	&EnvFlag,
	&LogLevelFlag,
}

// PresenceOpts configures the presence engine and its HTTP surface.
var PresenceOpts struct {
	AllowedOrigins      cli.StringSlice
	StaticDir           string
	CheckInterval       time.Duration
	InactivityThreshold time.Duration
	TicketTTL           time.Duration
	TicketMaxLength     int
	AwayVisible         bool
	DisconnectStatus    string
	NearbyRadiusKm      float64
	SendQueue           int
	FanoutConcurrency   int
	Metrics             bool
	TicketStream        string
}

var AllowedOriginsFlag = &cli.StringSliceFlag{
	Name:        "allowed-origins",
	Usage:       "origins allowed to open connections and call the http api",
	Value:       cli.NewStringSlice("*"),
	EnvVars:     []string{"ALLOWED_ORIGINS"},
	Destination: &PresenceOpts.AllowedOrigins,
}
var StaticDirFlag = StringFlag("static-dir", "directory of static assets to serve at /", &PresenceOpts.StaticDir)
var CheckIntervalFlag = DurationFlag("check-interval", "how often the eviction monitor runs", &PresenceOpts.CheckInterval, 15*time.Second)
var InactivityThresholdFlag = DurationFlag("inactivity-threshold", "how long a connection may be silent before it is evicted", &PresenceOpts.InactivityThreshold, 2*time.Minute)
var TicketTTLFlag = DurationFlag("ticket-ttl", "how long a ticket lives", &PresenceOpts.TicketTTL, 30*time.Minute)
var TicketMaxLengthFlag = IntFlag("ticket-max-length", "maximum ticket message length in characters", &PresenceOpts.TicketMaxLength, 500)
var AwayVisibleFlag = BoolFlag("away-visible", "include away clients in presence snapshots", &PresenceOpts.AwayVisible, true)
var DisconnectStatusFlag = StringFlag("disconnect-status", "status given to a client when its connection closes (offline or away)", &PresenceOpts.DisconnectStatus, "offline")
var NearbyRadiusFlag = &cli.Float64Flag{
	Name:        "nearby-radius-km",
	Usage:       "only show clients within this distance of the viewer; 0 disables",
	Value:       0,
	EnvVars:     []string{"NEARBY_RADIUS_KM"},
	Destination: &PresenceOpts.NearbyRadiusKm,
}
var SendQueueFlag = IntFlag("send-queue", "outbound messages buffered per connection", &PresenceOpts.SendQueue, 16)
var FanoutConcurrencyFlag = IntFlag("fanout-concurrency", "max concurrent sends during a broadcast", &PresenceOpts.FanoutConcurrency, 50)
var MetricsFlag = BoolFlag("metrics", "publish registry gauges to CloudWatch", &PresenceOpts.Metrics)
var TicketStreamFlag = StringFlag("ticket-stream", "kinesis stream that receives ticket-created events", &PresenceOpts.TicketStream)

var PresenceFlags = []cli.Flag{
	AllowedOriginsFlag,
	StaticDirFlag,
	CheckIntervalFlag,
	InactivityThresholdFlag,
	TicketTTLFlag,
	TicketMaxLengthFlag,
	AwayVisibleFlag,
	DisconnectStatusFlag,
	NearbyRadiusFlag,
	SendQueueFlag,
	FanoutConcurrencyFlag,
	MetricsFlag,
	TicketStreamFlag,
}

// ValidatePresenceOpts rejects option combinations the engine cannot run with.
func ValidatePresenceOpts() error {
	o := &PresenceOpts
	switch {
	case o.CheckInterval <= 0:
		return fmt.Errorf("check-interval must be positive, got %v", o.CheckInterval)
	case o.InactivityThreshold <= 0:
		return fmt.Errorf("inactivity-threshold must be positive, got %v", o.InactivityThreshold)
	case o.TicketTTL <= 0:
		return fmt.Errorf("ticket-ttl must be positive, got %v", o.TicketTTL)
	case o.NearbyRadiusKm < 0:
		return fmt.Errorf("nearby-radius-km must not be negative, got %v", o.NearbyRadiusKm)
	case o.SendQueue <= 0:
		return fmt.Errorf("send-queue must be positive, got %v", o.SendQueue)
	}
	switch strings.ToLower(o.DisconnectStatus) {
	case "offline", "away":
	default:
		return fmt.Errorf("disconnect-status must be offline or away, got %q", o.DisconnectStatus)
	}
	return nil
}

func envName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func StringFlag(name, usage string, destination *string, value ...string) *cli.StringFlag {
	flag := &cli.StringFlag{
		Name:        name,
		Usage:       usage,
		EnvVars:     []string{envName(name)},
		Destination: destination,
	}
	if len(value) > 0 {
		flag.Value = value[0]
	}
	return flag
}

func BoolFlag(name, usage string, destination *bool, value ...bool) *cli.BoolFlag {
	flag := &cli.BoolFlag{
		Name:        name,
		Usage:       usage,
		EnvVars:     []string{envName(name)},
		Destination: destination,
	}
	if len(value) > 0 {
		flag.Value = value[0]
	}
	return flag
}

func IntFlag(name, usage string, destination *int, value int) *cli.IntFlag {
	return &cli.IntFlag{
		Name:        name,
		Usage:       usage,
		Value:       value,
		EnvVars:     []string{envName(name)},
		Destination: destination,
	}
}

func DurationFlag(name, usage string, destination *time.Duration, value time.Duration) *cli.DurationFlag {
	return &cli.DurationFlag{
		Name:        name,
		Usage:       usage,
		Value:       value,
		EnvVars:     []string{envName(name)},
		Destination: destination,
	}
}
