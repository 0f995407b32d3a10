package main

import (
	"log"
	"net/http"

	_ "github.com/lib/pq"

	"github.com/finchboard/finchboard/internal/api"
	"github.com/finchboard/finchboard/internal/automigrate"
	"github.com/finchboard/finchboard/internal/config"
	"github.com/finchboard/finchboard/internal/store"
	"github.com/finchboard/finchboard/internal/ws"
)

func main() {
	cfg := config.LoadFromEnv()

	db, err := store.DB()
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}

	if cfg.AutoMigrate {
		if err := automigrate.Run(db, cfg.MigrationsDir); err != nil {
			log.Fatalf("Auto-migration failed: %v", err)
		}
	}

	hub := ws.NewHub()
	go hub.Run()

	router := api.NewRouter(api.RouterOptions{
		DB:          db,
		Hub:         hub,
		CORSOrigins: cfg.CORSOrigins,
	})

	log.Printf("Finchboard starting on port %s (%s)", cfg.Port, cfg.Environment)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
