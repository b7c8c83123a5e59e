package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/larder/internal/logging"
	"github.com/dukerupert/larder/internal/relay"
)

func main() {
	godotenv.Load()

	logger := logging.Setup(os.Stderr, os.Getenv("LARDER_LOG_LEVEL"))

	addr := os.Getenv("LARDER_RELAY_ADDR")
	if addr == "" {
		addr = ":8090"
	}

	srv := relay.NewServer(logger)

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     srv.Handler(),
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("larder-relay listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}
