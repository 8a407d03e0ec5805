package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"indicatorfeed/internal/config"
	"indicatorfeed/internal/engine"
	"indicatorfeed/internal/logging"
	"indicatorfeed/internal/provider"
)

var errFallback = errors.New("feed served fallback data")

// fetchAction polls one feed once and prints the resulting snapshot.
func fetchAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cmd.String("log-level"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	eng, err := engine.Build(cfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer eng.Stop()

	if cmd.Bool("list") {
		return printJSON(cmd.Root().Writer, eng.Feeds())
	}

	id := cmd.String("feed")
	params, err := eng.Params(id)
	if err != nil {
		return fmt.Errorf("feed %q: %w", id, err)
	}
	if params, err = overrideParams(cmd, params); err != nil {
		return err
	}
	if err := eng.SetParams(id, params); err != nil {
		return fmt.Errorf("params: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Int("timeout"))*time.Second)
	defer cancel()
	start := time.Now()
	snap, err := eng.PollOnce(ctx, id)
	if err != nil {
		return err
	}
	logger.Debug("poll finished", zap.String("feed", id), zap.Duration("elapsed", time.Since(start)))

	if err := printJSON(cmd.Root().Writer, snap); err != nil {
		return err
	}
	if cmd.Bool("fail-on-fallback") && snap.Provenance == provider.ProvenanceFallback {
		return fmt.Errorf("%w: %s", errFallback, snap.ErrorMessage.TakeOr(""))
	}
	return nil
}

// overrideParams applies the filter flags that were set on the command line.
func overrideParams(cmd *cli.Command, params provider.Params) (provider.Params, error) {
	if cmd.IsSet("category") {
		c, err := provider.ParseCategory(cmd.String("category"))
		if err != nil {
			return params, err
		}
		params.Category = c
	}
	if cmd.IsSet("indicator") {
		params.Indicator = strings.ToLower(cmd.String("indicator"))
	}
	if cmd.IsSet("year") {
		params.Year = int(cmd.Int("year"))
	}
	if cmd.IsSet("symbols") {
		params.Symbols = cmd.StringSlice("symbols")
	}
	return params, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "Poll one feed once and print its snapshot as JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "feed",
				Aliases: []string{"f"},
				Usage:   "Feed id (indicators, stocks, indices, history, news)",
				Value:   "indicators",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML or JSON config file",
				Sources: cli.EnvVars("CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:  "category",
				Usage: "News category filter; empty means all",
			},
			&cli.StringFlag{
				Name:  "indicator",
				Usage: "Indicator of a history feed (uf, dolar, euro, ...)",
			},
			&cli.IntFlag{
				Name:  "year",
				Usage: "Year of a history feed",
			},
			&cli.StringSliceFlag{
				Name:  "symbols",
				Usage: "Symbols of a quote or index feed",
			},
			&cli.IntFlag{
				Name:    "timeout",
				Usage:   "Poll timeout in seconds",
				Value:   15,
				Sources: cli.EnvVars("REQUEST_TIMEOUT_SEC"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:  "fail-on-fallback",
				Usage: "Exit non-zero when the feed served fallback data",
			},
			&cli.BoolFlag{
				Name:  "list",
				Usage: "List the configured feeds and exit",
			},
		},
		Action: fetchAction,
	}
}

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
