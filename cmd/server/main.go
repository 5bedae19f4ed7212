package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pos-sync-agent/config"
	"pos-sync-agent/internal/api"
	"pos-sync-agent/internal/connectivity"
	"pos-sync-agent/internal/remote"
	"pos-sync-agent/internal/service"
	"pos-sync-agent/internal/store"
	"pos-sync-agent/internal/syncengine"
	"pos-sync-agent/internal/util"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting pos sync agent")

	tp, err := util.InitTracer("pos-sync-agent", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	st, err := store.NewStore(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open local store: %v", err)
	}
	defer st.Close()
	log.Printf("Local store ready at %s", cfg.Store.Path)

	remoteStore := remote.NewHTTPStore(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.RequestTimeout)

	monitor := connectivity.NewMonitor(remoteStore.Healthy, cfg.Sync.ProbeInterval, cfg.Sync.ProbeStableCount)
	monitor.Start()
	defer monitor.Stop()

	bus := syncengine.NewStatusBus()
	engine := syncengine.NewEngine(st, remoteStore, monitor, bus, syncengine.Config{
		BatchSize:        cfg.Sync.BatchSize,
		BackoffBase:      cfg.Sync.BackoffBase,
		BackoffMax:       cfg.Sync.BackoffMax,
		AttemptTimeout:   cfg.Sync.AttemptTimeout,
		InFlightLiveness: cfg.Sync.InFlightLiveness,
		DoneGrace:        cfg.Sync.DoneGrace,
	})
	engine.Start()
	defer engine.Stop()

	salesService := service.NewSalesService(st, engine)
	ticketService := service.NewTicketService(st, salesService, engine)
	shiftService := service.NewShiftService(st, engine)
	catalogService := service.NewCatalogService(st, remoteStore)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// SetupRoutes installs Recovery and Logger itself.
	router := gin.New()
	handler := api.NewHandler(salesService, ticketService, shiftService, catalogService, engine, bus, st)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	engine.Stop()
	monitor.Stop()

	log.Println("Server exited")
}
