package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/agentuity/character-directory/character"
	"github.com/agentuity/character-directory/config"
	"github.com/agentuity/character-directory/loader"
	"github.com/agentuity/character-directory/logger"
	"github.com/agentuity/character-directory/remote"
	"github.com/agentuity/character-directory/store"
	"github.com/agentuity/character-directory/tui"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

type app struct {
	cfg     *config.Config
	log     logger.Logger
	store   *store.Store
	loader  *loader.Orchestrator
	sweeper *store.Sweeper
}

// flagOrEnv returns the flag value when set, then the environment value, then defaultValue.
func flagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

func (a *app) setup(cmd *cobra.Command) error {
	level := logger.ParseLevel(flagOrEnv(cmd, "log-level", logger.LevelEnv, "warn"))
	a.log = logger.NewConsoleLogger(level)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	st, err := cfg.NewStore(a.log)
	if err != nil {
		return err
	}
	a.store = st
	a.loader = loader.New(st, cfg.NewSource(a.log), loader.WithLogger(a.log))
	a.sweeper = store.NewSweeper(cmd.Context(), st, cfg.SweepInterval, a.log)
	a.log.Debug("using %s cache backend, ttl %s", cfg.CacheBackend, cfg.CacheTTL)
	return nil
}

func (a *app) close() {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("error closing cache: %s", err)
		}
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "directory-cli",
		Short:         "Browse the character directory through the local cache",
		Version:       remote.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	root.AddCommand(newListCommand(a), newShowCommand(a), newClearCommand(a), newSweepCommand(a))
	return root
}

func newListCommand(a *app) *cobra.Command {
	var pages int
	var filter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List characters, loading pages until --pages are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			err := tui.ShowSpinner(ctx, "Loading characters...", func() error {
				if err := a.loader.Init(ctx); err != nil {
					return err
				}
				for a.loader.Snapshot().CurrentPage <= pages {
					if _, err := a.loader.LoadNextPage(ctx); err != nil {
						if errors.Is(err, loader.ErrNoMore) {
							return nil
						}
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			a.loader.SetFilter(filter)
			printList(cmd.OutOrStdout(), a.loader.Snapshot())
			return nil
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 1, "number of pages to have loaded")
	cmd.Flags().StringVar(&filter, "filter", "", "only show names or professions containing this text")
	return cmd
}

func printList(w io.Writer, s loader.State) {
	list := s.Filtered()
	rows := make([][]string, 0, len(list))
	for _, c := range list {
		rows = append(rows, []string{
			strconv.Itoa(c.ID),
			tui.MaxWidth(c.FullName(), 32),
			c.Gender,
			tui.MaxWidth(c.Profession, 24),
		})
	}
	tui.Table(w, []string{"ID", "Name", "Gender", "Profession"}, rows)
	footer := tui.Muted(fmt.Sprintf("%d of %d loaded, page %d of %d", len(list), len(s.Data), s.CurrentPage-1, s.TotalPages))
	if s.HasMore {
		if s.HasActiveFilter() {
			footer += " " + tui.Warning("(loading paused while filtering)")
		} else {
			footer += " " + tui.Bold("(more available)")
		}
	}
	fmt.Fprintln(w, footer)
}

func newShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one character",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var res loader.DetailResult
			err := tui.ShowSpinner(ctx, "Loading character...", func() error {
				var err error
				res, err = a.loader.LoadDetailParam(ctx, args[0])
				return err
			})
			if errors.Is(err, loader.ErrInvalidID) {
				return errors.Newf("%q is not a valid character id", args[0])
			}
			if err != nil {
				return err
			}
			printDetail(cmd.OutOrStdout(), res.Data)
			return nil
		},
	}
}

func printDetail(w io.Writer, d character.Detail) {
	fmt.Fprintln(w, tui.Title(d.Minimal().FullName()))
	fields := [][2]string{
		{"ID", strconv.Itoa(d.ID)},
		{"Profession", d.Profession},
		{"Gender", d.Gender},
		{"Age", strconv.Itoa(d.Age)},
		{"Height", strconv.Itoa(d.Height)},
		{"Country", d.Country},
		{"Email", d.Email},
		{"Favorite color", d.Favorite.Color},
		{"Favorite food", d.Favorite.Food},
	}
	if d.Quote != "" {
		fields = append(fields, [2]string{"Quote", d.Quote})
	}
	for _, f := range fields {
		fmt.Fprintln(w, tui.Field(f[0], f[1], 14))
	}
	if d.Description != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, d.Description)
	}
}

func newClearCommand(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached page, character and metadata entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := tui.Ask("Clear the local character cache?", false)
				if err != nil {
					return err
				}
				if !ok {
					tui.ShowWarning(cmd.OutOrStdout(), "cache left untouched")
					return nil
				}
			}
			if err := a.loader.ClearCache(cmd.Context()); err != nil {
				return err
			}
			tui.ShowSuccess(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newSweepCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.store.CleanExpiredData(cmd.Context())
			if err != nil {
				return err
			}
			tui.ShowSuccess(cmd.OutOrStdout(), "removed %d expired entries", n)
			return nil
		},
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	a := &app{log: logger.NewNop()}
	defer a.close()
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		tui.ShowError(os.Stderr, "%s", err)
		os.Exit(1)
	}
}
