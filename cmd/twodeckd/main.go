package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twodeck/engine/internal/api"
	"github.com/twodeck/engine/internal/browser"
	"github.com/twodeck/engine/internal/cache"
	"github.com/twodeck/engine/internal/control"
	"github.com/twodeck/engine/internal/cue"
	"github.com/twodeck/engine/internal/db"
	"github.com/twodeck/engine/internal/decode"
	"github.com/twodeck/engine/internal/device"
	"github.com/twodeck/engine/internal/settings"
	"github.com/twodeck/engine/internal/sse"
)

func main() {
	// ── Flags ───────────────────────────────────────────
	addr := flag.String("addr", ":8090", "HTTP listen address")
	dbPath := flag.String("db", "twodeck.db", "SQLite database path")
	cacheDir := flag.String("cache", "./analysis-cache", "Analysis cache directory (empty disables caching)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	noBrowser := flag.Bool("no-browser", false, "Do not open the UI in a browser on startup")
	flag.Parse()

	// ── Logger ──────────────────────────────────────────
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// ── Database + settings ─────────────────────────────
	database, err := db.Open(*dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	store := settings.Open(database)

	// ── Audio devices ───────────────────────────────────
	devices, err := device.NewManager()
	if err != nil {
		slog.Error("failed to initialize audio backend", "error", err)
		os.Exit(1)
	}
	defer devices.Close()

	// ── Analysis cache ──────────────────────────────────
	analysisCache := cache.New(store.Get(settings.KeyCacheDir, *cacheDir))

	// ── Cue output ──────────────────────────────────────
	cueOut := cue.New()
	if name := store.Get(settings.KeyCueDevice, ""); name != "" {
		if err := cueOut.Bind(devices, name); err != nil {
			slog.Warn("failed to bind saved cue device", "device", name, "error", err)
		}
	}

	// ── SSE hub + control loop ──────────────────────────
	hub := sse.NewHub()
	go hub.Run()

	loop := control.New(control.Options{
		Devices:    devices,
		Cue:        cueOut,
		Cache:      analysisCache,
		Decoder:    decode.FromMP4,
		Events:     api.EventBridge(hub),
		MainDevice: store.Get(settings.KeyMainDevice, ""),
	})
	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()
	go loop.Run(loopCtx)

	// ── Routes ──────────────────────────────────────────
	mux := http.NewServeMux()
	h := api.New(loop, hub, devices, cueOut, analysisCache, decode.FromMP4, store)
	h.Routes(mux)

	// Graceful shutdown channel (created early so /api/shutdown can use it)
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	mux.HandleFunc("POST /api/shutdown", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"shutting down"}`))
		go func() {
			time.Sleep(500 * time.Millisecond)
			done <- os.Interrupt
		}()
	})

	// ── HTTP Server ─────────────────────────────────────
	srv := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE needs unlimited write time
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("HTTP server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── Auto-open UI ────────────────────────────────────
	if !*noBrowser && !*debug {
		host, port, _ := net.SplitHostPort(*addr)
		if host == "" {
			host = "localhost"
		}
		uiURL := fmt.Sprintf("http://%s/", net.JoinHostPort(host, port))
		slog.Info("opening UI in browser", "url", uiURL)
		browser.Open(uiURL)
	}

	<-done
	slog.Info("shutting down...")

	// Ask the control loop to drop every stream, then stop the web side.
	ack := make(chan struct{})
	if err := loop.Send(control.Shutdown{Ack: ack}); err == nil {
		select {
		case <-ack:
		case <-time.After(5 * time.Second):
			slog.Warn("control loop shutdown timed out")
		}
	} else {
		loopCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub.Close()
	_ = srv.Shutdown(ctx)
}
