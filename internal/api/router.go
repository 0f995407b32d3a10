package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/finchboard/finchboard/internal/lifecycle"
	"github.com/finchboard/finchboard/internal/middleware"
	"github.com/finchboard/finchboard/internal/store"
	"github.com/finchboard/finchboard/internal/ws"
)

var startTime = time.Now()

// HealthResponse is the payload of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	DB          *sql.DB
	Hub         *ws.Hub
	CORSOrigins []string
}

// NewRouter builds the HTTP surface: one endpoint per queue-core operation,
// a health probe, and the websocket event stream.
func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	hub := opts.Hub
	if hub == nil {
		hub = ws.NewHub()
		go hub.Run()
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Project-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", handleHealth)
	r.Get("/", handleRoot)
	r.Handle("/ws", &ws.Handler{Hub: hub})

	queuesHandler := &QueuesHandler{Store: store.NewQueueStore(opts.DB), DB: opts.DB, Hub: hub}
	itemsHandler := &ItemsHandler{
		Items:  store.NewQueueItemStore(opts.DB),
		Engine: lifecycle.NewEngine(opts.DB),
		Hub:    hub,
	}

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.SetHeader("Content-Type", "application/json"))

		r.With(middleware.RequireProject).Get("/api/queues", queuesHandler.List)
		r.With(middleware.RequireProject).Post("/api/queues", queuesHandler.Create)
		r.Get("/api/queues/{queueID}", queuesHandler.Get)
		r.Patch("/api/queues/{queueID}", queuesHandler.Update)
		r.Delete("/api/queues/{queueID}", queuesHandler.Delete)
		r.Post("/api/queues/{queueID}/status", queuesHandler.SetStatus)

		r.Get("/api/queues/{queueID}/items", itemsHandler.ListQueueItems)
		r.Post("/api/queues/{queueID}/enqueue", itemsHandler.Enqueue)
		r.With(middleware.RequireProject).Get("/api/items", itemsHandler.ListUnqueued)
		r.Get("/api/items/{itemID}", itemsHandler.GetItem)
		r.Delete("/api/items/{itemID}", itemsHandler.DeleteItem)
		r.Post("/api/items/{itemID}/move", itemsHandler.Move)
		r.Post("/api/items/{itemID}/reorder", itemsHandler.Reorder)
		r.Post("/api/items/{itemID}/status", itemsHandler.UpdateStatus)
		r.Post("/api/items/{itemID}/retry", itemsHandler.Retry)
		r.Post("/api/items/status", itemsHandler.BatchUpdateStatus)

		r.Post("/api/tickets/{ticketID}/dequeue", itemsHandler.DequeueTicket)
		r.Post("/api/tasks/{taskID}/dequeue", itemsHandler.DequeueTask)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Version:   getVersion(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"name":    "Finchboard",
		"tagline": "Queue management for agent-driven boards",
		"health":  "/health",
	})
}

func getVersion() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}
