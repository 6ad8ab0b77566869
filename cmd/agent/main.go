package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rachllee/hci-stage-manager/pkg/agent"
	"github.com/rachllee/hci-stage-manager/pkg/stage"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "optional yaml config file")
	urlVar := flag.String("url", "", "full relay url, overrides everything else")
	hostVar := flag.String("host", "", "relay host")
	portVar := flag.Int("port", 0, "relay port (default 4001)")
	devHostVar := flag.String("dev-host", "", "development host hint, used when no url or host is given")
	locationVar := flag.String("location-host", "", "host this session was served from, the last fallback")
	userVar := flag.String("user", "kp", "the id issues are reported as")
	flag.Parse()

	cfg, err := agent.LoadConfig(*configVar, os.Getenv)
	if err != nil {
		return err
	}
	if *urlVar != "" {
		cfg.URL = *urlVar
	}
	if *hostVar != "" {
		cfg.Host = *hostVar
	}
	if *portVar > 0 {
		cfg.Port = *portVar
		cfg.HostPort = *portVar
	}
	if *devHostVar != "" {
		cfg.DevHost = *devHostVar
	}
	if *locationVar != "" {
		cfg.LocationHost = *locationVar
	}

	initial := stage.Snapshot{}
	if cfg.Seed != "" {
		raw, err := os.ReadFile(cfg.Seed)
		if err != nil {
			return fmt.Errorf("failed to read seed: %w", err)
		}
		if initial, err = stage.Decode(raw); err != nil {
			return fmt.Errorf("failed to load seed: %w", err)
		}
	}
	doc := stage.NewDocument(initial)
	slog.Info("established base doc", "equipment", len(initial.Equipment), "issues", len(initial.Issues))

	url, ok := cfg.Endpoint().Resolve()
	if !ok {
		slog.Warn("no sync url resolved from flags, config or environment")
	}
	a := agent.New(url, doc, agent.WithReconnectDelay(cfg.ReconnectDelay))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Run(ctx); err != nil {
			slog.Error("sync stopped", "err", err)
		}
	}()

	c := &console{agent: a, user: *userVar, out: os.Stdout}
	go func() {
		c.run(os.Stdin)
		cancel()
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()

	wg.Wait()

	raw, err := stage.Encode(doc.Snapshot())
	if err != nil {
		return err
	}
	tf := filepath.Join(os.TempDir(), a.OriginID()+".json")
	if err := os.WriteFile(tf, raw, 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf)
	return nil
}
