package main

import (
	"net/http"
	"os"
	"strings"

	"checksync/config/database"
	"checksync/pkg/logger"
	"checksync/router"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file; fall back to OS environment variables.
	if err := godotenv.Load(); err != nil {
		logger.Sugar.Info("No .env file found, using environment variables from OS")
	}

	db := database.Connect()
	defer db.Close()

	mux, hub := router.Setup(db)

	// The hub's connection-lifecycle loop and the stale-presence reaper run
	// for the life of the process.
	go hub.Run()
	go hub.ReapWorker()

	addr := strings.TrimSpace(os.Getenv("LISTEN_ADDR"))
	if addr == "" {
		addr = ":8080"
	}

	logger.Sugar.Infof("checksync listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Sugar.Fatalf("Server exited: %v", err)
	}
}
