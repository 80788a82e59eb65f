package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gwlsn/authrim-gateway/internal/api"
	"github.com/gwlsn/authrim-gateway/internal/config"
	"github.com/gwlsn/authrim-gateway/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "authrim-gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file")
	envFiles := flag.String("env-file", ".env.local,.env", "comma-separated dotenv files, earlier files win")
	flag.Parse()

	dotenv, err := config.DotEnv(config.SplitList(*envFiles)...)
	if err != nil {
		return err
	}
	// Real environment variables take precedence over dotenv files.
	env := config.Chain(config.OSEnv{}, dotenv)

	cfg, err := config.Load(*configPath, env)
	if err != nil {
		return err
	}
	logger.Setup(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	config.WarnIfMissing(env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := api.New(ctx, cfg, env)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
