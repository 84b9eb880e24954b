// Command diamondd runs the diamond function-dispatch registry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/diamond/internal/config"
	"github.com/R3E-Network/diamond/internal/logging"
	"github.com/R3E-Network/diamond/internal/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "path to a .env file (ignored when missing)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(runtime.Version)
		return
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "diamondd: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging).Component("diamondd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := runtime.NewApplication(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to start")
	}

	runErr := app.Run(ctx)
	if runErr != nil {
		log.WithError(runErr).Error("server stopped")
	}
	log.Info("shutting down")
	if err := app.Shutdown(context.Background()); err != nil {
		log.WithError(err).Error("shutdown incomplete")
	}
	if runErr != nil {
		os.Exit(1)
	}
}
