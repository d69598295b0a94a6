// assetcombo serves concatenated CSS and JavaScript bundles for a site.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"assetcombo/config"
	"assetcombo/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.FromCommand(cmd)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	log, err := cfg.Log.Build()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	log.Debug("Program started", zap.Strings("args", os.Args), zap.String("ver", version), zap.String("runtime", runtime.Version()))

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Error("Unable to start", zap.Error(err))
		return err
	}
	if err := srv.Run(ctx); err != nil {
		log.Error("Server error", zap.Error(err))
		return err
	}
	log.Info("Server stopped")
	return nil
}

func dumpConfig(_ context.Context, cmd *cli.Command) error {
	cfg, err := config.FromCommand(cmd.Root())
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	data, err := config.Dump(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:            "assetcombo",
		Usage:           "serves combined CSS and JavaScript bundles from /_static/??",
		Version:         version + " (" + runtime.Version() + ")",
		HideHelpCommand: true,
		Flags:           config.Flags(),
		Action:          serve,
		Commands: []*cli.Command{
			{
				Name:   "dumpconfig",
				Usage:  "Prints the effective configuration as YAML and exits",
				Action: dumpConfig,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "assetcombo: %v\n", err)
		stop()
		os.Exit(1)
	}
}
