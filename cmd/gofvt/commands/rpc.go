package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofvt/internal/controlplane"
)

var errInvalidParams = errors.New("params must be a JSON document")

func rpcCmd() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "rpc <method> [params-json]",
		Short: "Call the intermediary's management API",
		Long: "Calls one management API method with optional JSON parameters, retrying " +
			"as configured by sut.rpc_attempts, and prints the result.",
		Example: `  gofvt rpc list-slices
  gofvt rpc add-slice '{"slice-name":"s1","password":"pw","controller-url":"tcp:127.0.0.1:54321","admin-contact":"ops@example.com"}'
  gofvt rpc --list`,
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.RangeArgs(1, 2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				for _, m := range controlplane.Methods() {
					fmt.Println(m)
				}
				return nil
			}

			var params any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return errInvalidParams
				}
				params = json.RawMessage(args[1])
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := controlplane.New(cfg.ControlPlaneConfig(), logger)
			result, err := client.SetRule(ctx, args[0], params)
			if err != nil {
				return fmt.Errorf("rpc %s: %w", args[0], err)
			}

			out, err := formatRPCResult(result, outputFormat)
			if err != nil {
				return fmt.Errorf("format result: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list the known methods and exit")

	return cmd
}
