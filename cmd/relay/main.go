package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rachllee/hci-stage-manager/pkg/relay"
	"github.com/rachllee/hci-stage-manager/pkg/stage"
	"github.com/rachllee/hci-stage-manager/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	defaultPort, err := relay.PortFromEnv(os.Getenv)
	if err != nil {
		return err
	}
	portVar := flag.Int("port", defaultPort, "the port to listen on (env "+relay.PortEnv+")")
	hostVar := flag.String("host", "", "the host to bind, empty for all interfaces")
	archiveVar := flag.String("archive", "", "optional sqlite file that accepted versions are appended to")
	archiveIntervalVar := flag.Duration("archive-interval", 5*time.Second, "how often the latest version is archived")
	renderVar := flag.Bool("render", false, "render the last snapshot to an svg on shutdown")
	flag.Parse()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hub := relay.NewHub(relay.WithMetrics(relay.NewMetrics(reg)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	var archive *relay.Archive
	if *archiveVar != "" {
		slog.Info("Opening archive", "path", *archiveVar)
		db, err := sql.Open("sqlite3", *archiveVar)
		if err != nil {
			return err
		}
		defer db.Close()
		archive = relay.NewArchive(db, slog.Default())
		if err := archive.Init(ctx); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			archive.Run(ctx, hub, *archiveIntervalVar)
		}()
	}

	addr := net.JoinHostPort(*hostVar, strconv.Itoa(*portVar))
	httpServer := &http.Server{Addr: addr, Handler: relay.NewRouter(hub, reg)}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "url", fmt.Sprintf("ws://%s", addr), "override", relay.PortEnv)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = httpServer.Close()
	hub.DisconnectAll("relay shutting down")

	wg.Wait()

	if archive != nil {
		archive.Flush(context.Background(), hub)
	}
	if *renderVar {
		dump(hub)
	}
	return nil
}

func dump(hub *relay.Hub) {
	entry, ok := hub.Latest()
	if !ok {
		slog.Info("no snapshot to dump")
		return
	}
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("stage-v%d.json", entry.Version))
	if err := os.WriteFile(tf, entry.Payload, 0o644); err != nil {
		slog.Error("failed to dump", "version", entry.Version, "err", err)
	} else {
		slog.Info("dumped", "version", entry.Version, "path", tf)
	}
	snap, err := stage.Decode(entry.Payload)
	if err != nil {
		slog.Error("failed to decode snapshot for rendering", "version", entry.Version, "err", err)
		return
	}
	if svgPath, err := viz.RenderToTemp(snap); err != nil {
		slog.Error("failed to render", "version", entry.Version, "err", err)
	} else {
		slog.Info("rendered", "version", entry.Version, "path", "file://"+svgPath)
	}
}
