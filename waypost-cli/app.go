// Package waypostcli provides the command-line boilerplate shared by waypost
// binaries.
//
// This package includes the service descriptor, the common and presence
// flags, structured logging setup, CloudWatch metrics, and build information
// tracking.
package waypostcli

import (
	"fmt"
	"runtime/debug"

	"github.com/urfave/cli/v2"
)

func App(service Service, action cli.ActionFunc, flags ...cli.Flag) *cli.App {
	return &cli.App{
		Name:                 service.Name,
		Usage:                fmt.Sprintf("%v presence server", service.Name),
		Version:              service.Version,
		EnableBashCompletion: true,
		Before:               InitCommonOpts,
		Action:               action,
		Flags:                flags,
	}
}

// InitCommonOpts validates the common options after flag parsing, before the
// action runs.
func InitCommonOpts(_ *cli.Context) error {
	if _, err := ParseLevel(CommonOpts.LogLevel); err != nil {
		return err
	}
	return nil
}

func CommitHash() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				return setting.Value
			}
		}
		return info.Main.Version
	}
	return "unknown"
}
