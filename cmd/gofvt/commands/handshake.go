package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofvt/internal/fixture"
)

// errHandshakeFailed is returned after the report is printed when the
// bring-up did not complete.
var errHandshakeFailed = errors.New("handshake failed")

// handshakeReport is the session layout after a fixture bring-up.
type handshakeReport struct {
	SUT         string           `json:"sut"`
	Switches    []int            `json:"switches"`
	Controllers []controllerView `json:"controllers"`
	Failures    []string         `json:"failures,omitempty"`
	Error       string           `json:"error,omitempty"`
}

type controllerView struct {
	Index    int    `json:"index"`
	Listen   string `json:"listen"`
	Sessions []int  `json:"sessions"`
}

func handshakeCmd() *cobra.Command {
	var switches, controllers int

	cmd := &cobra.Command{
		Use:   "handshake",
		Short: "Bring up simulated peers around the intermediary and report the sessions",
		Long: "Starts the simulated controllers, connects the simulated switches to the " +
			"intermediary and waits until every controller holds a session for every " +
			"switch. Exits non-zero if any handshake fails.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("switches") {
				switches = cfg.Fixture.Switches
			}
			if !cmd.Flags().Changed("controllers") {
				controllers = cfg.Fixture.Controllers
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, upErr := runHandshake(ctx, switches, controllers)

			out, err := formatHandshake(report, outputFormat)
			if err != nil {
				return fmt.Errorf("format handshake: %w", err)
			}
			fmt.Print(out)

			if upErr != nil {
				return fmt.Errorf("%w: %w", errHandshakeFailed, upErr)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&switches, "switches", 0, "number of simulated switches (default from config)")
	cmd.Flags().IntVar(&controllers, "controllers", 0, "number of simulated controllers (default from config)")

	return cmd
}

// runHandshake brings the fixture up, snapshots the registry and tears
// everything down again.
func runHandshake(ctx context.Context, switches, controllers int) (handshakeReport, error) {
	fcfg := cfg.FixtureConfig()
	fx := fixture.New(fcfg, logger)
	fx.Start(ctx)

	upErr := fx.Up(ctx, switches, controllers)

	report := handshakeReport{SUT: fcfg.SUTAddr}
	reg := fx.Registry()
	report.Switches = reg.DownstreamIndexes()
	for _, i := range reg.UpstreamIndexes() {
		up, _ := reg.Upstream(i)
		cv := controllerView{Index: i, Sessions: up.Sessions()}
		if addr, ok := fx.ControllerAddr(i); ok {
			cv.Listen = addr.String()
		}
		report.Controllers = append(report.Controllers, cv)
	}
	for _, f := range fx.HandshakeFailures() {
		report.Failures = append(report.Failures, f.Error())
	}
	if upErr != nil {
		report.Error = upErr.Error()
	}

	if err := fx.Close(); err != nil {
		logger.Warn("fixture close failed", slog.String("error", err.Error()))
	}
	return report, upErr
}
