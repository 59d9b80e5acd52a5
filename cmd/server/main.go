package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/svcreg/governance/modules/governance"
	"github.com/svcreg/governance/modules/governance/domain/events"
	"github.com/svcreg/governance/pkg/application"
	"github.com/svcreg/governance/pkg/composables"
	"github.com/svcreg/governance/pkg/configuration"
	"github.com/svcreg/governance/pkg/eventbus"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			configuration.Use().Unload()
			log.Println(r)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	conf := configuration.Use()
	logger := conf.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		logger.WithError(err).Fatal("failed to create database pool")
	}
	defer pool.Close()

	bus := eventbus.NewEventPublisher(logger)
	bus.Subscribe(func(ev *events.RequestResolvedV1) {
		logger.WithField("topic", events.TopicRequestResolvedV1).
			WithField("request_id", ev.RequestID).
			WithField("service_id", ev.ServiceID).
			WithField("status", ev.Status).
			Info("approval request resolved")
	})

	app := application.New(&application.ApplicationOptions{
		Pool:     pool,
		EventBus: bus,
	})
	if err := governance.NewModule().Register(app); err != nil {
		logger.WithError(err).Fatal("failed to register governance module")
	}
	if err := app.Migrations().Apply(ctx); err != nil {
		logger.WithError(err).Fatal("failed to apply schema")
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	if conf.Prometheus.Enabled {
		router.Handle(conf.Prometheus.Path, promhttp.Handler())
	}
	for _, controller := range app.Controllers() {
		controller.Register(router)
		logger.WithField("prefix", controller.Key()).Debug("mounted controller")
	}

	// Every request runs with the pool in context so repositories can
	// reach the store.
	baseCtx := composables.WithPool(context.Background(), pool)
	server := &http.Server{
		Addr:         conf.SocketAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("server shutdown failed")
		}
		configuration.Use().Unload()
	}()

	logger.Infof("listening on %s", conf.SocketAddress)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("server stopped")
	}
}
