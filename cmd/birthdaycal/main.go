package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"birthdaycal/internal/config"
	"birthdaycal/internal/ics"
	appLog "birthdaycal/internal/log"
	"birthdaycal/internal/publish"
	"birthdaycal/internal/reconcile"
	"birthdaycal/internal/scheduler"
	"birthdaycal/internal/store"
	"birthdaycal/internal/web"
	"birthdaycal/internal/wiki"
)

const version = "1.0.0"

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "birthdaycal",
		Usage:   "Maintain a birthday calendar feed and JSON index from the character wiki.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.yaml",
				Usage:   "Path to config file (created with defaults if missing)",
				EnvVars: []string{"BIRTHDAYCAL_CONFIG"},
			},
			&cli.StringFlag{Name: "log-level", Usage: "DEBUG, INFO, WARN or ERROR (overrides config and env)"},
		},
		Commands: []*cli.Command{
			syncCommand(),
			checkCommand(),
			upcomingCommand(),
			serveCommand(),
		},
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		appLog.Error("birthdaycal failed", err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// loadConfig reads the config file, applies env and flag overrides and
// validates the result. Precedence is flag > env > file > default.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	conf, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := conf.ApplyEnv(); err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		conf.LogLevel = lvl
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return conf, nil
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Fetch the character list, update the feed and the index, and save what changed.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "Reconcile and report without writing or publishing."},
			&cli.BoolFlag{Name: "no-prune", Usage: "Keep events and records of characters no longer listed."},
			&cli.BoolFlag{Name: "no-verify", Usage: "Skip the independent parser check before saving."},
		},
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.Bool("no-prune") {
				prune := false
				conf.Prune = &prune
			}
			if c.Bool("no-verify") {
				verify := false
				conf.Verify = &verify
			}

			syncer, err := buildSyncer(conf, c.Bool("dry-run"))
			if err != nil {
				return err
			}

			res, err := syncer.Sync(c.Context)
			if err != nil {
				return err
			}
			appLog.Info("sync finished",
				"total", res.Total,
				"ics_updated", len(res.CalendarUpdated),
				"json_updated", len(res.IndexUpdated),
				"ics_removed", len(res.CalendarRemoved),
				"json_removed", len(res.IndexRemoved),
			)
			return nil
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Parse the saved feed and cross-check it with an independent iCalendar parser.",
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}

			path := conf.CalendarPath()
			data, ok, err := store.ReadIfExists(path)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no calendar at %s; run sync first", path)
			}

			cal, err := ics.Parse(data, time.Now())
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			rep, err := ics.Verify(data)
			if err != nil {
				return fmt.Errorf("verify %s: %w", path, err)
			}
			if rep.Events != cal.Len() {
				return fmt.Errorf("verify %s: event count mismatch: parsed %d, verified %d", path, cal.Len(), rep.Events)
			}

			fmt.Fprintf(c.App.Writer, "%s: OK, %d events, timezone %s\n", path, cal.Len(), cal.Config().TZID)
			return nil
		},
	}
}

func upcomingCommand() *cli.Command {
	return &cli.Command{
		Name:  "upcoming",
		Usage: "List birthdays in the saved feed within the next days.",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "days", Value: 30, Usage: "Number of days to look ahead."},
		},
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}

			path := conf.CalendarPath()
			data, ok, err := store.ReadIfExists(path)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no calendar at %s; run sync first", path)
			}

			now := time.Now()
			cal, err := ics.Parse(data, now)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			_, _, occs, err := cal.Within(now, c.Int("days"))
			if err != nil {
				return err
			}

			for _, occ := range occs {
				fmt.Fprintf(c.App.Writer, "%s  %s\n", occ.Start.Format("2006-01-02"), occ.Summary)
			}
			if len(occs) == 0 {
				fmt.Fprintf(c.App.Writer, "no birthdays in the next %d days\n", c.Int("days"))
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the feed over HTTP and re-sync on the configured cron schedule.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address (overrides config and env)"},
			&cli.BoolFlag{Name: "sync-on-start", Value: true, Usage: "Run one sync before serving."},
		},
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}
			if l := c.String("listen"); l != "" {
				conf.Listen = l
			}

			syncer, err := buildSyncer(conf, false)
			if err != nil {
				return err
			}
			srv := web.NewServer(conf, syncer)

			loc, err := ics.LoadLocation(conf.Feed.TZID)
			if err != nil {
				return err
			}
			sched, err := scheduler.New(conf.RefreshCron, loc, func(ctx context.Context) error {
				res, err := syncer.Sync(ctx)
				if err != nil {
					return err
				}
				if res.SaveCalendar {
					srv.Invalidate()
				}
				return nil
			})
			if err != nil {
				return err
			}

			ctx := c.Context
			if c.Bool("sync-on-start") {
				if _, err := syncer.Sync(ctx); err != nil {
					// The previous feed stays online.
					appLog.Error("initial sync failed", err)
				}
			}

			go func() {
				_ = sched.Start(ctx)
			}()
			return srv.Run(ctx)
		},
	}
}

// buildSyncer wires the page fetcher, wiki source, reconciler and
// optional publisher from conf.
func buildSyncer(conf *config.Config, dryRun bool) (*reconcile.Syncer, error) {
	srcLoc, err := wiki.ParseOffset(conf.Source.Offset)
	if err != nil {
		return nil, fmt.Errorf("source.offset: %w", err)
	}

	timeout := time.Duration(conf.Source.TimeoutSeconds) * time.Second
	var fetcher wiki.PageFetcher
	switch conf.Source.Fetcher {
	case config.FetcherChromium:
		fetcher = &wiki.BrowserFetcher{Timeout: timeout}
	default:
		hf := wiki.NewHTTPFetcher(conf.Source.CacheDir, timeout)
		hf.StaleOnError = conf.Source.StaleOnError
		fetcher = hf
	}
	src := wiki.NewSource(fetcher, conf.Source.ListURL, conf.Source.DetailURLPrefix, srcLoc)

	rec := reconcile.New(src, reconcile.Options{
		UIDPrefix: conf.UIDPrefix,
		Delay:     time.Duration(conf.Source.DelayMillis) * time.Millisecond,
		Prune:     conf.PruneEnabled(),
	})

	sc := reconcile.SyncConfig{
		CalendarPath: conf.CalendarPath(),
		IndexPath:    conf.IndexPath(),
		Defaults:     conf.Feed,
		Verify:       conf.VerifyEnabled(),
		DryRun:       dryRun,
	}
	if conf.Publish != nil {
		pub, err := publish.NewWebDAV(conf.Publish.URL, conf.Publish.Username, conf.Publish.Password)
		if err != nil {
			return nil, err
		}
		sc.Publisher = pub
	}

	appLog.Info("effective config",
		"output_dir", conf.OutputDir,
		"fetcher", conf.Source.Fetcher,
		"prune", conf.PruneEnabled(),
		"verify", conf.VerifyEnabled(),
		"stale_on_error", conf.Source.StaleOnError,
		"publish", conf.Publish != nil,
		"dry_run", dryRun,
	)
	return reconcile.NewSyncer(rec, sc), nil
}
