package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type exportOptions struct {
	start string
	end   string
	out   string
}

func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &exportOptions{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the calendar as an iCalendar (.ics) feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(rootOpts, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.start, "start", "", "range start (default 30 days ago)")
	cmd.Flags().StringVar(&opts.end, "end", "", "range end (default publish.horizon_days ahead)")
	cmd.Flags().StringVarP(&opts.out, "output", "o", "", "output file (default stdout)")

	return cmd
}

func runExport(rootOpts *RootOptions, opts *exportOptions, stdout io.Writer) error {
	now := time.Now()
	start := now.AddDate(0, 0, -30)
	end := now.AddDate(0, 0, rootOpts.Config.Publish.HorizonDays)
	if opts.start != "" {
		t, err := parseDay("start", opts.start)
		if err != nil {
			return err
		}
		start = t
	}
	if opts.end != "" {
		t, err := parseDay("end", opts.end)
		if err != nil {
			return err
		}
		end = t
	}

	svc, closeDB, err := openService(rootOpts)
	if err != nil {
		return err
	}
	defer closeDB()

	feed, err := svc.ExportICS(start, end)
	if err != nil {
		return err
	}

	if opts.out == "" {
		_, err = io.WriteString(stdout, feed)
		return err
	}
	if err := os.WriteFile(opts.out, []byte(feed), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.out, err)
	}
	rootOpts.Logger.Info("calendar exported", "path", opts.out, "bytes", len(feed))
	return nil
}
