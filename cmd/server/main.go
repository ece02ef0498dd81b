package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/placesync/server/internal/api"
	"github.com/placesync/server/internal/ingest"
	"github.com/placesync/server/internal/journal"
	"github.com/placesync/server/internal/state"
	"github.com/placesync/server/internal/stats"
	"github.com/placesync/server/internal/version"
	"github.com/placesync/server/internal/ws"
)

func main() {
	dbPath := os.Getenv("PLACESYNC_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/placesync.db"
	}

	jrnl, err := journal.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize journal: %v", err)
	}
	defer jrnl.Close()

	store := state.NewStore()
	aggregator := stats.NewAggregator()

	hub := ws.NewHub(store, aggregator, jrnl)
	go hub.Run()

	gateway := ingest.New(store, hub, aggregator, jrnl)
	apiHandler := api.New(hub, store, gateway, aggregator, jrnl)

	// WebSocket endpoint for observers
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})

	http.HandleFunc("/health", apiHandler.HealthHandler)
	http.HandleFunc("/sync", apiHandler.SyncHandler)
	http.HandleFunc("/current", apiHandler.CurrentHandler)
	http.HandleFunc("/stats", apiHandler.StatsHandler)
	http.HandleFunc("/api/events", apiHandler.EventsHandler)
	http.Handle("/metrics", promhttp.HandlerFor(aggregator.Registry(), promhttp.HandlerOpts{}))

	// Apply CORS middleware
	handler := corsMiddleware(http.DefaultServeMux)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		jrnl.Close()
		os.Exit(0)
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}

	log.Printf("🔄 placesync server %s starting on :%s", version.Version, port)
	log.Printf("📁 Journal: %s", dbPath)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws")
	log.Println("  - Health:    GET /health")
	log.Println("  - Sync:      POST /sync")
	log.Println("  - Current:   GET /current")
	log.Println("  - Stats:     GET /stats")
	log.Println("  - Events:    GET /api/events")
	log.Println("  - Metrics:   GET /metrics")

	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
