// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/poiesic/medrag"
	"github.com/poiesic/medrag/config"
	"github.com/poiesic/medrag/consult"
	"github.com/poiesic/medrag/core"
	"github.com/poiesic/medrag/ingestion"
	"github.com/poiesic/medrag/server"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "medrag",
		Usage: "Medical consultation assistant over a hybrid retrieval knowledge base",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML configuration file",
				EnvVars: []string{"MEDRAG_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Path to BadgerDB database directory (overrides storage.path)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "ingest",
				Usage:  "Load a JSON Lines medical corpus into the knowledge base",
				Action: ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "Path to the JSON Lines corpus",
						Required: true,
					},
					&cli.BoolFlag{
						Name:    "watch",
						Aliases: []string{"w"},
						Usage:   "Keep running and re-ingest whenever the file changes",
					},
					&cli.DurationFlag{
						Name:  "debounce",
						Usage: "Quiet period before a changed file is re-ingested",
						Value: 500 * time.Millisecond,
					},
				},
			},
			{
				Name:   "ask",
				Usage:  "Ask one medical question",
				Action: askCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "question",
						Aliases:  []string{"q"},
						Usage:    "The question to ask",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "user",
						Usage: "User id recorded in the logs",
					},
					&cli.BoolFlag{
						Name:  "stream",
						Usage: "Print the answer as it is generated",
					},
				},
			},
			{
				Name:   "delete",
				Usage:  "Remove documents by source id",
				Action: deleteCommand,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:     "id",
						Usage:    "Source id of a document to remove (repeatable)",
						Required: true,
					},
				},
			},
			{
				Name:   "stats",
				Usage:  "Print corpus statistics",
				Action: statsCommand,
			},
			{
				Name:   "serve",
				Usage:  "Serve the HTTP API",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address (overrides server.addr)",
					},
				},
			},
		},
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if db := c.String("db"); db != "" {
		cfg.Storage.Path = db
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	return cfg, nil
}

func openEngine(ctx context.Context, c *cli.Context, opts ...medrag.EngineOption) (*medrag.Engine, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	engine, err := medrag.Open(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge base: %w", err)
	}
	return engine, nil
}

func ingestCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := c.String("file")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to read corpus: %w", err)
	}

	engine, err := openEngine(ctx, c, medrag.WithProgress(os.Stderr))
	if err != nil {
		return err
	}
	defer engine.Close()

	run := func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		report, err := engine.Ingest(ctx, f)
		if err != nil {
			return fmt.Errorf("ingestion failed: %w", err)
		}
		printReport(report)
		return nil
	}

	if err := run(); err != nil {
		return err
	}
	if !c.Bool("watch") {
		return nil
	}

	fmt.Fprintf(os.Stderr, "Watching %s for changes (Ctrl-C to stop)\n", path)
	err = watchFile(ctx, path, c.Duration("debounce"), func() {
		if err := run(); err != nil {
			slog.Error("re-ingestion failed", "file", path, "err", err)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printReport(r *ingestion.Report) {
	fmt.Fprintf(os.Stderr, "Documents written: %d\n", r.Documents)
	fmt.Fprintf(os.Stderr, "Unchanged: %d\n", r.Unchanged)
	fmt.Fprintf(os.Stderr, "Chunks written: %d\n", r.Chunks)
	fmt.Fprintf(os.Stderr, "Stale chunks removed: %d\n", r.Removed)
	fmt.Fprintf(os.Stderr, "Skipped records: %d\n", r.Skipped)
	for _, e := range r.Errors {
		fmt.Fprintf(os.Stderr, "  %v\n", e)
	}
	fmt.Fprintf(os.Stderr, "Index version: %s\n", r.Version)
	fmt.Fprintf(os.Stderr, "Duration: %s\n", r.Duration.Round(time.Millisecond))
}

func askCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := openEngine(ctx, c)
	if err != nil {
		return err
	}
	defer engine.Close()

	req := consult.Request{
		Question: c.String("question"),
		UserID:   c.String("user"),
	}

	if c.Bool("stream") {
		return streamAnswer(ctx, engine, req)
	}

	resp, err := engine.Consult(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(resp.Answer)
	printSources(resp.UsedContexts, resp.FallbackUsed, resp.Cached)
	return nil
}

func streamAnswer(ctx context.Context, engine *medrag.Engine, req consult.Request) error {
	var sources []string
	for ev, err := range engine.ConsultStream(ctx, req) {
		if err != nil {
			fmt.Println()
			return err
		}
		switch ev.Type {
		case consult.EventStatus:
			fmt.Fprintln(os.Stderr, ev.Message)
		case consult.EventSources:
			sources = nil
			for _, s := range ev.Sources {
				sources = append(sources, sourceLine(s.Source, s.Title, s.URL))
			}
		case consult.EventContent:
			fmt.Print(ev.Content)
		case consult.EventDone:
			fmt.Println()
			if len(sources) > 0 {
				fmt.Fprintln(os.Stderr, "\n参考来源：")
				for _, s := range sources {
					fmt.Fprintln(os.Stderr, s)
				}
			}
		}
	}
	return nil
}

func printSources(refs []core.ContextRef, fallbackUsed, cached bool) {
	if len(refs) > 0 {
		fmt.Fprintln(os.Stderr, "\n参考来源：")
		for _, r := range refs {
			fmt.Fprintln(os.Stderr, sourceLine(r.Source, r.Title, r.URL))
		}
	}
	if fallbackUsed {
		fmt.Fprintln(os.Stderr, "（包含联网搜索结果）")
	}
	if cached {
		fmt.Fprintln(os.Stderr, "（缓存结果）")
	}
}

func sourceLine(source core.Channel, title, url string) string {
	line := fmt.Sprintf("  [%s] %s", source, title)
	if url != "" {
		line += " " + url
	}
	return line
}

func deleteCommand(c *cli.Context) error {
	ctx := context.Background()
	engine, err := openEngine(ctx, c)
	if err != nil {
		return err
	}
	defer engine.Close()

	removed, err := engine.Delete(ctx, c.StringSlice("id")...)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Removed %d chunks\n", removed)
	return nil
}

func statsCommand(c *cli.Context) error {
	ctx := context.Background()
	engine, err := openEngine(ctx, c)
	if err != nil {
		return err
	}
	defer engine.Close()

	stats, err := engine.Stats(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func serveCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := openEngine(ctx, c, medrag.WithMonitor(&consult.LogMonitor{Logger: slog.Default()}))
	if err != nil {
		return err
	}
	defer engine.Close()

	srv := server.New(engine.Config().Server, engine, slog.Default())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
