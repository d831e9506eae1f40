package server

import (
	"net/http"
)

// routes configures all HTTP handlers.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.corsMiddleware(s.handleHealth))
	mux.HandleFunc("GET /ws", s.corsMiddleware(s.handleWebSocket))

	mux.HandleFunc("POST /api/shifts", s.corsMiddleware(s.handleOpenShift))
	mux.HandleFunc("GET /api/shifts/{id}", s.corsMiddleware(s.handleGetShift))
	mux.HandleFunc("POST /api/shifts/{id}/cancel", s.corsMiddleware(s.handleCancelShift))
	mux.HandleFunc("POST /api/shifts/{id}/assign", s.corsMiddleware(s.handleForceAssign))
	mux.HandleFunc("POST /api/shifts/{id}/reopen", s.corsMiddleware(s.handleReopenShift))
	mux.HandleFunc("GET /api/shifts/{id}/audit", s.corsMiddleware(s.handleAuditTrail))
	mux.HandleFunc("GET /api/shifts/{id}/replay", s.corsMiddleware(s.handleReplay))

	mux.HandleFunc("POST /api/replies", s.corsMiddleware(s.handleInboundReply))
	mux.HandleFunc("POST /api/deliveries", s.corsMiddleware(s.handleDeliveryConfirmation))

	return mux
}

// corsMiddleware adds CORS headers using the configured allowed origins,
// sharing origin validation with the websocket upgrade path.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}
