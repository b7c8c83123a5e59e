package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/larder/internal/changebus"
	"github.com/dukerupert/larder/internal/database"
	"github.com/dukerupert/larder/internal/identity"
	"github.com/dukerupert/larder/internal/inventory"
	"github.com/dukerupert/larder/internal/logging"
	"github.com/dukerupert/larder/internal/store"
	"github.com/dukerupert/larder/internal/sync"
	"github.com/dukerupert/larder/internal/sync/transport"
	"github.com/dukerupert/larder/internal/sync/transport/mesh"
)

func main() {
	godotenv.Load()

	logger := logging.Setup(os.Stderr, os.Getenv("LARDER_LOG_LEVEL"))

	dbPath := os.Getenv("LARDER_DB_PATH")
	if dbPath == "" {
		dbPath = "larder.db"
	}

	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	identityStore := store.NewIdentityStore(db)
	id, err := identity.Load(identityStore)
	if err != nil {
		log.Fatalf("failed to load device identity: %v", err)
	}

	bus := changebus.New(logger)
	inv := inventory.New(store.NewTransactionStore(db), store.NewPantryStore(db), bus, logger)
	engine := sync.New(buildTransport(logger), inv, id, identityStore, bus, logger)
	inv.SetPublisher(engine)

	logger.Info("larder starting",
		"device", id.DeviceID,
		"name", id.DeviceName,
		"db", dbPath,
	)

	if id.InHousehold() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := engine.Reconnect(ctx); err != nil {
			logger.Warn("reconnect failed, running local-only", "code", id.HouseholdCode, "error", err)
		}
		cancel()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	engine.Shutdown()
}

// buildTransport picks the sync backend from the environment: a hosted
// relay by default, or the host-rendezvous mesh for relay-free households.
func buildTransport(logger *slog.Logger) transport.Transport {
	switch os.Getenv("LARDER_TRANSPORT") {
	case "mesh":
		listen := os.Getenv("LARDER_MESH_LISTEN")
		if listen == "" {
			listen = "0.0.0.0:8091"
		}
		hostAddr := os.Getenv("LARDER_MESH_HOST_ADDR")
		if hostAddr == "" {
			hostAddr = "http://localhost:8091"
		}
		return mesh.New(listen, hostAddr, logger)
	default:
		relayURL := os.Getenv("LARDER_RELAY_URL")
		if relayURL == "" {
			relayURL = "http://localhost:8090"
		}
		return transport.NewRelayTransport(relayURL, logger)
	}
}
