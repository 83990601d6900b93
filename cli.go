package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	conf "github.com/mbakes1/unl-bb/internal/config"
)

const consoleHelp = "commands: start | stop | reload | status | backfill | sync | paths | quit"

// console is a line-based control loop over the scheduler.
func console(ctx context.Context, cancel context.CancelFunc, a *app) error {
	if a.cfg.Scheduler.AutoStart {
		if err := a.syncer.Start(ctx); err != nil {
			a.log.Error().Err(err).Msg("scheduler auto start failed")
		}
	}

	fmt.Println("ocds-cache console", ver)
	fmt.Println(consoleHelp)
	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		cmd := strings.TrimSpace(strings.ToLower(line))
		if err != nil && cmd == "" {
			// stdin closed
			cancel()
			return nil
		}

		switch cmd {
		case "start":
			if err := a.syncer.Start(ctx); err != nil {
				fmt.Println("start failed:", err)
				continue
			}
			fmt.Println("scheduler started")
		case "stop":
			a.syncer.Stop()
			fmt.Println("scheduler stopped")
		case "reload":
			if err := a.reload(); err != nil {
				a.log.Error().Err(err).Msg("config reload failed")
				fmt.Println("reload failed:", err)
				continue
			}
			fmt.Println("config reloaded")
		case "status":
			ticks, last := a.syncer.Ticks()
			if a.syncer.IsRunning() {
				fmt.Printf("scheduler: running (ticks %d, last %s)\n", ticks, last)
			} else {
				fmt.Println("scheduler: stopped")
			}
			if err := printStatus(ctx, a); err != nil {
				fmt.Println("status failed:", err)
			}
		case "backfill":
			res, err := a.rec.BackfillStep(ctx)
			printJSON(res)
			if err != nil {
				fmt.Println("backfill failed:", err)
			}
		case "sync":
			res, err := a.rec.DailySync(ctx)
			printJSON(res)
			if err != nil {
				fmt.Println("sync failed:", err)
			}
		case "paths":
			fmt.Println("dir:   ", a.dir)
			fmt.Println("config:", a.cfgPath)
			fmt.Println("log:   ", conf.ResolvePath(a.dir, a.cfg.Log.File))
		case "quit", "exit":
			cancel()
			return nil
		case "":
		default:
			fmt.Println("unknown command.", consoleHelp)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}
