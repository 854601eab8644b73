// Package api exposes the ledger ops API: projection reads, resync,
// consumer and coalescer status, and the dead-letter stream.
package api

import (
	"net/http"
	"time"

	"github.com/allmantool/hbudget-ledger/internal/api/handlers"
	"github.com/allmantool/hbudget-ledger/internal/api/middleware"
	"github.com/rs/zerolog"
)

// Deps are the handlers the router serves.
type Deps struct {
	History *handlers.HistoryHandler
	Status  *handlers.StatusHandler
}

// NewRouter registers every route and applies the middleware chain.
func NewRouter(deps Deps, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	if deps.History != nil {
		mux.HandleFunc("GET /accounts/{accountID}/history", deps.History.ListHistory)
		mux.HandleFunc("GET /accounts/{accountID}/operations/{operationID}", deps.History.GetOperation)
		mux.HandleFunc("POST /accounts/{accountID}/resync", deps.History.Resync)
	}
	if deps.Status != nil {
		mux.HandleFunc("GET /healthz", deps.Status.Health)
		mux.HandleFunc("GET /status", deps.Status.Status)
		mux.HandleFunc("GET /dead-letters", deps.Status.ListDeadLetters)
	}

	return middleware.Chain(mux,
		middleware.Recovery(log),
		middleware.RequestID,
		middleware.Logger(log),
	)
}

// NewServer creates the HTTP server for addr.
func NewServer(addr string, deps Deps, log zerolog.Logger) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      NewRouter(deps, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
