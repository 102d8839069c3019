package main

import (
	"collab-editor/config"
	"collab-editor/gateway"
	roomsapi "collab-editor/handlers/api/rooms"
	"collab-editor/handlers/websocket"
	"collab-editor/metrics"
	"collab-editor/rooms"
	"collab-editor/stores"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

const shutdownTimeout = 5 * time.Second

func setupRouter(origins []string, registry *rooms.Registry, gw *gateway.Gateway, collector *metrics.Collector) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowedOrigins: append([]string{"tauri://localhost"}, origins...),
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if origin == "" {
				return false
			}
			if lo.Contains(origins, origin) {
				return true
			}

			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}

			switch parsed.Scheme {
			case "http", "https":
				switch parsed.Hostname() {
				case "localhost", "127.0.0.1", "::1":
					return true
				}
			case "tauri":
				return parsed.Hostname() == "localhost"
			}

			return false
		},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	r.Use(cors.Handler(corsOptions))

	r.Get("/health", roomsapi.HandleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/rooms", roomsapi.HandleList(registry))
		r.Get("/rooms/{roomId}", roomsapi.HandleGet(registry))
		r.Get("/stats", roomsapi.HandleStats(collector))
		r.Get("/sessions", roomsapi.HandleSessions(gw))
	})
	r.Get("/ws", websocket.ServeWS(gw, origins))

	return r
}

func waitForShutdown(srv *http.Server, ioo *socketio.Server, cancel context.CancelFunc, registry *rooms.Registry, mirror *rooms.Mirror) {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	s := <-signalC
	logrus.WithField("signal", s.String()).Info("Shutting down")

	ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server shutdown failed")
	}
	ioo.Close(nil)
	registry.Close()
	cancel()
	select {
	case <-mirror.Done():
	case <-ctx.Done():
		logrus.Warn("Mirror did not stop before the shutdown deadline")
	}
	mirror.Flush(ctx)
}

func main() {
	logLevel := flag.String("loglevel", "", "Set the logging level: debug, info, warn, error, fatal, panic (overrides LOG_LEVEL)")
	listenAddr := flag.String("listen", "", "Set the server listen address (overrides LISTEN_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := stores.GetStore(ctx, cfg.Store)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open room store")
	}
	defer store.Close()

	collector := metrics.NewCollector()
	mirror := rooms.NewMirror(store, cfg.Store.Timeout, collector)
	go mirror.Run(ctx)

	fanout := gateway.NewFanout(collector)
	registry := rooms.NewRegistry(rooms.Config{
		LockTimeout:      cfg.LockTimeout,
		TypingTimeout:    cfg.TypingTimeout,
		StoreTimeout:     cfg.Store.Timeout,
		MaxContentLength: cfg.MaxContentLength,
	}, store, mirror, fanout, collector)
	go registry.RunReconciler(ctx, cfg.ReconcileInterval)

	gw := gateway.New(registry, fanout, collector)

	r := setupRouter(cfg.Origins(), registry, gw, collector)
	ioo := websocket.SetupSocketIO(gw, cfg.Origins())
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	logrus.WithField("addr", cfg.ListenAddr).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(srv, ioo, cancel, registry, mirror)
}
