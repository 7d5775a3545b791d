package cli

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/meetnotes/internal/calendar"
	"github.com/dukerupert/meetnotes/internal/config"
	"github.com/dukerupert/meetnotes/internal/database"
	"github.com/dukerupert/meetnotes/internal/logging"
	"github.com/dukerupert/meetnotes/internal/store"
	"github.com/dukerupert/meetnotes/internal/websocket"
)

// RootOptions holds global flags and the state loaded from them.
type RootOptions struct {
	ConfigPath string
	Config     *config.Config
	Logger     *slog.Logger
}

// NewRootCommand creates the meetnotes command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "meetnotes",
		Short: "Meeting notes calendar server",
		Long:  "Serves meeting notes and a calendar with recurring events, and exports it as iCalendar.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			opts.Config = cfg
			opts.Logger = logging.Setup(cfg.LogLevel, cmd.ErrOrStderr())
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("MEETNOTES_CONFIG"), "path to YAML config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewExpandCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewHashTokenCommand(opts))

	return cmd
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// openService opens the configured database and returns a calendar service
// over it. The caller must call the returned close func.
func openService(opts *RootOptions) (*calendar.Service, func() error, error) {
	db, err := database.Open(opts.Config.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return newService(db, opts.Logger), db.Close, nil
}

func newService(db *sql.DB, logger *slog.Logger) *calendar.Service {
	return calendar.NewService(
		store.NewEventStore(db),
		store.NewNoteStore(db),
		websocket.NewHub(logger.With("component", "websocket")),
		logger,
	)
}

// parseDay accepts YYYY-MM-DD (midnight UTC) or RFC3339.
func parseDay(flag, s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD or RFC3339: %q", flag, s)
	}
	return t, nil
}
