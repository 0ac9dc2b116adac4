package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"subdash/internal/capture"
	"subdash/internal/config"
	"subdash/internal/events"
	appLog "subdash/internal/log"
	"subdash/internal/query"
	"subdash/internal/source"
	"subdash/internal/web"
)

const version = "0.1.0"

func main() {
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := newApp().Run(ctx, os.Args); err != nil {
		appLog.Error("subdash failed", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "subdash",
		Usage:   "subscription calendar dashboard",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "/etc/subdash/config.yaml",
				Usage:   "path to config file (created with defaults if missing)",
				Sources: cli.EnvVars("SUBDASH_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "HTTP listen address (overrides config if set)",
			},
		},
		Action: runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the web UI and API",
				Action: runServe,
			},
			{
				Name:  "export-ics",
				Usage: "write the calendar as an ICS file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "from", Usage: "window start, YYYY-MM-DD (default: today)"},
					&cli.IntFlag{Name: "days", Value: 90, Usage: "window length in days"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "-", Usage: "output file, - for stdout"},
				},
				Action: runExportICS,
			},
			{
				Name:  "capture",
				Usage: "screenshot /calendar at narrow and wide viewport widths",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Usage: "page to capture (default: http://<listen>/calendar)"},
					&cli.StringFlag{Name: "out-dir", Usage: "directory for PNGs (overrides config)"},
				},
				Action: runCapture,
			},
		},
	}
}

// loadConfig loads the config, applies CLI overrides and the log level.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	conf, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if l := cmd.String("listen"); l != "" {
		conf.Listen = l
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	appLog.SetLevel(appLog.Level(conf.LogLevel))
	return conf, nil
}

// newSource picks the HTTP API when configured, else the YAML file.
func newSource(conf *config.Config) (source.Source, error) {
	if conf.Source.APIURL != "" {
		return source.NewHTTPSource(source.HTTPOptions{
			BaseURL: conf.Source.APIURL,
			Token:   conf.Source.Token,
			Timeout: conf.Source.Timeout,
			Retries: conf.Source.Retries,
		})
	}
	return source.NewFileSource(conf.Source.Path), nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	appLog.Info("subdash starting", "version", version)

	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	src, err := newSource(conf)
	if err != nil {
		return err
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"horizon_days", conf.HorizonDays,
		"stale_time", conf.Query.StaleTime.String(),
		"gc_time", conf.Query.GCTime.String(),
		"query_retry", conf.Query.QueryRetry,
		"mutation_retry", conf.Query.MutationRetry,
		"api_source", conf.Source.APIURL != "",
	)

	client := query.NewClient(conf.Query)
	if err := client.Start(); err != nil {
		return err
	}
	defer client.Stop()

	if err := web.NewServer(conf, client, src).Run(ctx); err != nil {
		return err
	}

	appLog.Info("subdash exiting")
	return nil
}

func runExportICS(ctx context.Context, cmd *cli.Command) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	src, err := newSource(conf)
	if err != nil {
		return err
	}
	loc := conf.Location()

	from := time.Now().In(loc)
	from = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	if v := cmd.String("from"); v != "" {
		if from, err = time.ParseInLocation("2006-01-02", v, loc); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
	}
	to := from.AddDate(0, 0, int(cmd.Int("days")))

	client := query.NewClient(conf.Query)
	subs, err := query.Fetch(ctx, client, "subscriptions", src.List)
	if err != nil {
		return err
	}
	evs, derr := events.Derive(subs, events.Window{Start: from, End: to, Location: loc})
	if derr != nil {
		appLog.Error("some subscriptions were skipped", derr)
	}

	out := os.Stdout
	if p := cmd.String("out"); p != "-" {
		f, err := os.Create(p)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if err := events.WriteICS(out, evs, time.Now()); err != nil {
		return err
	}
	appLog.Info("ics exported", "events", len(evs), "from", from.Format("2006-01-02"), "to", to.Format("2006-01-02"))
	return nil
}

func runCapture(ctx context.Context, cmd *cli.Command) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	url := cmd.String("url")
	if url == "" {
		url = "http://" + conf.Listen + "/calendar"
	}
	outDir := cmd.String("out-dir")
	if outDir == "" {
		outDir = conf.Capture.OutputDir
	}

	paths, err := capture.CaptureLayouts(ctx, url, outDir,
		conf.Capture.NarrowWidth, conf.Capture.WideWidth, conf.Capture.Height, conf.Capture.Timeout)
	for _, p := range paths {
		appLog.Info("capture written", "path", p)
	}
	return err
}
