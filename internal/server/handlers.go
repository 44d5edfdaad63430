package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/Tyrowin/hybridchat/internal/files"
	"github.com/Tyrowin/hybridchat/internal/groups"
	"github.com/Tyrowin/hybridchat/internal/protocol"
	"github.com/Tyrowin/hybridchat/internal/store"
)

// WebSocketHandler upgrades the request and hands the connection to the
// hub, which then owns it.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr)
	if !s.hub.Join(client) {
		_ = conn.Close()
	}
}

// HealthHandler reports that the relay is up.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "HybridChat relay is running!")
}

func (s *Server) handleUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": s.registry.Snapshot()})
}

type groupSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Creator     string    `json:"creator"`
	MemberCount int       `json:"memberCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Server) handleGroups(w http.ResponseWriter, _ *http.Request) {
	summaries := lo.Map(s.groups.List(), func(g groups.Group, _ int) groupSummary {
		return groupSummary{ID: g.ID, Name: g.Name, Creator: g.Creator, MemberCount: len(g.Members), CreatedAt: g.CreatedAt}
	})
	writeJSON(w, http.StatusOK, map[string]any{"groups": summaries})
}

func (s *Server) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	members, ok := s.groups.MembersOf(r.PathValue("groupId"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "group not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members.Sorted()})
}

// historyQuery maps request parameters to a store query. groupId selects a
// group, with (or recipientId) together with userId a private conversation,
// and anything else the broadcast channel.
func (s *Server) historyQuery(r *http.Request) (store.HistoryQuery, error) {
	params := r.URL.Query()
	q := store.HistoryQuery{Scope: store.KindBroadcast}

	scope := lo.CoalesceOrEmpty(params.Get("scope"), params.Get("type"))
	peer := lo.CoalesceOrEmpty(params.Get("with"), params.Get("recipientId"))
	switch {
	case params.Get("groupId") != "":
		q.Scope = store.KindGroup
		q.GroupID = params.Get("groupId")
	case peer != "" || scope == string(store.KindPrivate):
		q.Scope = store.KindPrivate
		q.User = params.Get("userId")
		q.Peer = peer
	case scope != "" && scope != string(store.KindBroadcast):
		return q, fmt.Errorf("unknown history scope %q", scope)
	}

	var err error
	if q.Offset, err = intParam(params.Get("offset"), 0); err != nil {
		return q, fmt.Errorf("offset: %w", err)
	}
	limit, err := intParam(params.Get("limit"), 0)
	if err != nil {
		return q, fmt.Errorf("limit: %w", err)
	}
	q.Limit = s.hub.clampLimit(limit)
	return q, q.Validate()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q, err := s.historyQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}

	page, err := s.messages.QueryHistory(r.Context(), q)
	if err != nil {
		s.log.Error("History query failed", "scope", q.Scope, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "history is unavailable"})
		return
	}

	messages := lo.Map(page.Messages, func(m store.Message, _ int) protocol.Envelope { return protocol.FromMessage(m) })
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"messages": messages,
		"total":    page.Total,
		"hasMore":  page.HasMore,
	})
}

type uploadRequest struct {
	FileName string `json:"fileName"`
	FileData string `json:"fileData"`
	FileType string `json:"fileType"`
	SenderID string `json:"senderId"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Base64 inflates the payload by a third.
	limit := s.files.MaxSize()*4/3 + 64<<10
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"success": false, "error": files.ErrTooLarge.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "malformed upload request"})
		return
	}

	data, err := decodeFileData(req.FileData)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "fileData is not valid base64"})
		return
	}

	rec, err := s.files.Save(r.Context(), files.Upload{Name: req.FileName, Type: req.FileType, Data: data, UploadedBy: req.SenderID})
	switch {
	case errors.Is(err, files.ErrTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"success": false, "error": err.Error()})
		return
	case errors.Is(err, files.ErrEmpty):
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	case err != nil:
		s.log.Error("Upload failed", "name", req.FileName, "user", req.SenderID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "file could not be stored"})
		return
	}

	attachment := files.Attachment(rec)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"fileId":   attachment.FileID,
		"fileName": attachment.FileName,
		"fileType": attachment.FileType,
		"size":     attachment.Size,
		"url":      attachment.URL,
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rec, f, err := s.files.Open(r.Context(), r.PathValue("fileId"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "file not found"})
		return
	}
	if err != nil {
		s.log.Error("Cannot open file", "file", r.PathValue("fileId"), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "file is unavailable"})
		return
	}
	defer f.Close()

	contentType, inline, err := files.Disposition(f)
	if err != nil {
		s.log.Error("Cannot inspect file", "file", rec.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "file is unavailable"})
		return
	}
	disposition := "attachment"
	if inline {
		disposition = "inline"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": rec.Name}))
	http.ServeContent(w, r, rec.Name, rec.UploadedAt, f)
}

// decodeFileData accepts raw base64 or a data URL.
func decodeFileData(value string) ([]byte, error) {
	if strings.HasPrefix(value, "data:") {
		if _, payload, ok := strings.Cut(value, ","); ok {
			value = payload
		}
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(value))
}

func intParam(value string, fallback int) (int, error) {
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", value)
	}
	if n < 0 {
		return 0, fmt.Errorf("%d must not be negative", n)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
