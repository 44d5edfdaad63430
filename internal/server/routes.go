package server

import "net/http"

// Routes returns the relay's HTTP routes: the WebSocket endpoint, health,
// metrics and the REST API.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /api/users", s.handleUsers)
	mux.HandleFunc("GET /api/groups", s.handleGroups)
	mux.HandleFunc("GET /api/groups/{groupId}/members", s.handleGroupMembers)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/files/{fileId}", s.handleFile)
	return mux
}
