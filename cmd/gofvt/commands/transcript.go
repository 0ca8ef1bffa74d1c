package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofvt/internal/transcript"
)

var errNoTranscript = errors.New("no transcript file: pass one or set transcript.path")

func transcriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Inspect recorded exchange transcripts",
	}

	cmd.AddCommand(transcriptShowCmd())

	return cmd
}

// --- transcript show ---

func transcriptShowCmd() *cobra.Command {
	var (
		failedOnly bool
		verbose    bool
		runID      string
	)

	cmd := &cobra.Command{
		Use:   "show [file]",
		Short: "Print the exchanges recorded in a transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := cfg.Transcript.Path
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errNoTranscript
			}

			filter := transcript.Filter{FailedOnly: failedOnly}
			if runID != "" {
				id, err := uuid.Parse(runID)
				if err != nil {
					return fmt.Errorf("parse run id %q: %w", runID, err)
				}
				filter.RunID = id
			}

			r, err := transcript.NewReader(path, filter)
			if err != nil {
				return err
			}
			defer r.Close()

			for {
				rec, err := r.Next()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				out, err := formatRecord(rec, verbose, outputFormat)
				if err != nil {
					return fmt.Errorf("format record: %w", err)
				}
				fmt.Print(out)
			}
		},
	}

	cmd.Flags().BoolVar(&failedOnly, "failed", false, "show only failed exchanges")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include raw frames as hex")
	cmd.Flags().StringVar(&runID, "run", "", "show only the run with this id")

	return cmd
}
