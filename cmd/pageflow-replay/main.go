// File: cmd/pageflow-replay/main.go
// This is the standalone entrypoint for replaying a recorded action trace
// without going through the HTTP control plane.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/livoras/pageflow/internal/config"
	"github.com/livoras/pageflow/internal/observability"
	"github.com/livoras/pageflow/internal/pagemanager"
	"github.com/livoras/pageflow/internal/replay"
)

func main() {
	tracePath := flag.String("trace", "", "path to a JSON replay.Request trace file (required)")
	configPath := flag.String("config", "", "optional path to a config.yaml")
	headless := flag.Bool("headless", true, "run the replay browser headless")
	flag.Parse()

	if *tracePath == "" {
		fmt.Fprintln(os.Stderr, "usage: pageflow-replay -trace <file.json> [-config <file.yaml>] [-headless=true]")
		os.Exit(2)
	}

	if err := run(*tracePath, *configPath, *headless); err != nil {
		fmt.Fprintln(os.Stderr, "replay failed:", err)
		os.Exit(1)
	}
}

func run(tracePath, configPath string, headless bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Browser.Headless = headless

	observability.InitializeLogger(cfg.Logger)
	logger := observability.GetLogger()

	raw, err := os.ReadFile(tracePath)
	if err != nil {
		return fmt.Errorf("read trace file: %w", err)
	}

	var req replay.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("parse trace file: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pages, err := pagemanager.New(ctx, pagemanager.Options{
		Headless:           cfg.Browser.Headless,
		UserDataDir:        cfg.Browser.UserDataDir,
		RecordingsRoot:     cfg.Server.RecordingsRoot,
		ScreenshotsEnabled: cfg.Browser.ScreenshotsEnabled,
		NavTimeout:         cfg.NavTimeout(),
		CreateTimeout:      cfg.CreateTimeout(),
		PageQueueDepth:     cfg.Page.QueueDepth,
		SettleQuiet:        cfg.SettleQuiet(),
		SettleHardDeadline: cfg.SettleHardDeadline(),
	}, logger)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer func() { _ = pages.Shutdown(context.Background()) }()

	runner := replay.New(pages, logger)
	result, err := runner.Run(ctx, req)
	if err != nil {
		return err
	}

	logger.Info("replay complete",
		zap.Int("total", result.Total),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
	)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(out))

	if result.Failed > 0 {
		os.Exit(1)
	}
	return nil
}
