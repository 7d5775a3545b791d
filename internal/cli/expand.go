package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/meetnotes/internal/series"
)

type expandOptions struct {
	start string
	end   string
	json  bool
}

func NewExpandCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &expandOptions{}

	cmd := &cobra.Command{
		Use:   "expand <series-id>",
		Short: "List a series' occurrences in a date range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExpand(rootOpts, opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.start, "start", "", "range start, YYYY-MM-DD or RFC3339 (default today)")
	cmd.Flags().StringVar(&opts.end, "end", "", "range end, exclusive (default start + 30 days)")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print JSON instead of a table")

	return cmd
}

func runExpand(rootOpts *RootOptions, opts *expandOptions, seriesID string, out io.Writer) error {
	start := time.Now().UTC().Truncate(24 * time.Hour)
	if opts.start != "" {
		t, err := parseDay("start", opts.start)
		if err != nil {
			return err
		}
		start = t
	}
	end := start.AddDate(0, 0, 30)
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

	instances, err := svc.ExpandSeries(seriesID, start, end)
	if err != nil {
		return err
	}
	if opts.json {
		if instances == nil {
			instances = []series.Instance{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(instances)
	}
	return writeInstances(out, instances)
}

func writeInstances(out io.Writer, instances []series.Instance) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tSTART\tEND\tTITLE\tKIND")
	for _, in := range instances {
		kind := "override"
		if in.Virtual {
			kind = "virtual"
		}
		date := ""
		if in.InstanceDate != nil {
			date = in.InstanceDate.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", date,
			in.StartAt.Format(time.RFC3339), in.EndAt.Format(time.RFC3339), in.Title, kind)
	}
	return tw.Flush()
}
