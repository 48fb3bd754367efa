package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"trader/internal/broker"
	"trader/internal/config"
	"trader/internal/runner"
	"trader/internal/state"
	"trader/internal/ticklog"
)

// Exit codes, stable for schedulers and wrapper scripts.
const (
	exitOK           = 0
	exitUnexpected   = 1
	exitMarketClosed = 2
	exitConfig       = 3
	exitBroker       = 4
	exitContention   = 5
)

const tickLogPath = "ticks.ndjson"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	command := ""
	if len(args) > 0 {
		command = args[0]
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		return exitConfig
	}
	setupLogger(cfg.Verbose)

	if command == "" {
		command = "run"
		if cfg.Loop {
			command = "loop"
		}
	}

	switch command {
	case "run", "loop", "status", "liquidate":
	default:
		fmt.Fprintf(os.Stderr, "usage: trader [run|loop|status|liquidate]\n")
		return exitUnexpected
	}

	store, err := state.Open(cfg.StateURL, cfg.StateKey)
	if err != nil {
		slog.Error("state store unavailable", "error", err)
		return exitUnexpected
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing state store", "error", err)
		}
	}()

	var log *ticklog.Writer
	if command == "run" || command == "loop" || command == "liquidate" {
		log, err = ticklog.NewWriter(tickLogPath)
		if err != nil {
			slog.Error("tick log unavailable", "path", tickLogPath, "error", err)
			return exitUnexpected
		}
		defer func() {
			if err := log.Close(); err != nil {
				slog.Warn("closing tick log", "error", err)
			}
		}()
	}

	brokerClient := broker.New(broker.Opts{
		APIKey:       cfg.APIKey,
		APISecret:    cfg.APISecret,
		TradeBaseURL: cfg.BaseURL,
	})

	r, err := runner.New(cfg, brokerClient, store, log)
	if err != nil {
		slog.Error("runner init failed", "error", err)
		return exitUnexpected
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		slog.Info("shutdown signal received")
		cancel()
	}()

	slog.Info("starting", "command", command, "basket", cfg.Basket, "paper", cfg.Paper)

	switch command {
	case "run":
		err = r.Tick(ctx)
	case "loop":
		err = r.Loop(ctx)
	case "status":
		err = r.Status(ctx, os.Stdout)
	case "liquidate":
		err = r.Liquidate(ctx)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return exitOK
	case errors.Is(err, runner.ErrMarketClosed):
		slog.Info("exiting, market closed")
		return exitMarketClosed
	case errors.Is(err, config.ErrConfig):
		slog.Error("configuration invalid", "error", err)
		return exitConfig
	case errors.Is(err, broker.ErrAuth):
		slog.Error("brokerage rejected credentials", "error", err)
		return exitUnexpected
	case errors.Is(err, broker.ErrUnavailable):
		slog.Error("brokerage unreachable", "error", err)
		return exitBroker
	case errors.Is(err, state.ErrConcurrentWrite):
		slog.Error("another runner holds this account", "error", err)
		return exitContention
	default:
		slog.Error("unexpected failure", "error", err)
		return exitUnexpected
	}
}

func setupLogger(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
