package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"stakebot/internal/app"
	"stakebot/pkg/logx"
	"stakebot/pkg/systemd"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	// Local dev convenience; secrets can also come from the real environment.
	_ = godotenv.Load()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(sctx)
		return err
	}
	systemd.NotifyReady(logx.Nop())

	<-ctx.Done()
	systemd.NotifyStopping(logx.Nop())

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return a.Stop(sctx)
}
