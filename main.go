package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mbakes1/unl-bb/internal/store"
)

// version can be overridden with -ldflags "-X 'main.ver=1.0.1'"
var ver = "1.0.0"

const usage = `ocds-cache %s

usage: ocds-cache [-dir path] <command> [flags]

commands:
  serve              HTTP API, plus the scheduler when scheduler.auto_start is set (default)
  backfill [-pages]  ingest historical pages until done or the page limit
  sync               run the daily incremental sync once
  status             print the ingestion state
  console            interactive scheduler console
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("ocds-cache", flag.ContinueOnError)
	dir := fs.String("dir", "", "app data dir (default: <user config dir>/ocds-cache)")
	fs.Usage = func() { fmt.Fprintf(fs.Output(), usage, ver) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	appDir := *dir
	if appDir == "" {
		var err error
		if appDir, err = appDataDir("ocds-cache"); err != nil {
			return err
		}
	}

	cmd := fs.Arg(0)
	if cmd == "" {
		cmd = "serve"
	}
	rest := fs.Args()
	if len(rest) > 0 {
		rest = rest[1:]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(appDir)
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd {
	case "serve":
		return serve(ctx, a)
	case "backfill":
		bfs := flag.NewFlagSet("backfill", flag.ContinueOnError)
		pages := bfs.Int("pages", 0, "page limit (default ingest.max_pages_per_run)")
		if err := bfs.Parse(rest); err != nil {
			return err
		}
		res, err := a.rec.RunBackfill(ctx, *pages)
		printJSON(res)
		return err
	case "sync":
		res, err := a.rec.DailySync(ctx)
		printJSON(res)
		return err
	case "status":
		return printStatus(ctx, a)
	case "console":
		return console(ctx, cancel, a)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func serve(ctx context.Context, a *app) error {
	a.log.Info().Str("version", ver).Str("dir", a.dir).Msg("ocds-cache starting")
	if a.cfg.Scheduler.AutoStart {
		if err := a.syncer.Start(ctx); err != nil {
			a.log.Error().Err(err).Msg("scheduler auto start failed")
		}
	}
	return a.server().ListenAndServe(ctx, a.cfg.ListenAddr)
}

func printStatus(ctx context.Context, a *app) error {
	st, err := a.store.LoadState(ctx)
	if err != nil {
		return err
	}
	n, err := a.store.Count(ctx, store.Filter{})
	if err != nil {
		return err
	}
	printJSON(map[string]any{
		"isBackfillComplete": st.IsBackfillComplete,
		"lastHistoricalPage": st.LastHistoricalPage,
		"lastDailySync":      st.LastDailySync,
		"releases":           n,
	})
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func appDataDir(name string) (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	p := filepath.Join(base, name)
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", err
	}
	return p, nil
}
