package messaging

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// NewHTTPHandler exposes the facade over HTTP for backend services that do
// not link this module. All endpoints speak JSON.
func NewHTTPHandler(f *Facade) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/endpoint", f.handleEndpoint)
	mux.HandleFunc("POST /api/publish", f.handlePublish)
	mux.HandleFunc("POST /api/send", f.handleSend)
	mux.HandleFunc("POST /api/messages", f.handleSendMessage)
	mux.HandleFunc("GET /api/messages", f.handleGetMessages)
	mux.HandleFunc("GET /api/messages/{id}/status", f.handleMessageStatus)
	mux.HandleFunc("POST /api/events", f.handlePublishEvent)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (f *Facade) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	realm := r.URL.Query().Get("realm")
	if realm == "" {
		realm = "default"
	}
	ep, err := f.GetWebsocketEndpoint(r.Context(), r.URL.Query().Get("session_token"), realm)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (f *Facade) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel string         `json:"channel"`
		Message map[string]any `json:"message"`
		Realm   string         `json:"realm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Channel) == "" {
		writeError(w, http.StatusBadRequest, "channel and message are required")
		return
	}
	res := f.PublishToAgentChannel(r.Context(), req.Channel, req.Message, req.Realm)
	status := http.StatusOK
	if res.Status == StatusError {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (f *Facade) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectionID string `json:"connection_id"`
		Message      any    `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id and message are required")
		return
	}
	writeJSON(w, http.StatusOK, f.SendToConnection(r.Context(), req.ConnectionID, req.Message))
}

func (f *Facade) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SenderID    string `json:"sender_id"`
		RecipientID string `json:"recipient_id"`
		Channel     string `json:"channel"`
		Content     string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecipientID == "" || req.Channel == "" {
		writeError(w, http.StatusBadRequest, "recipient_id and channel are required")
		return
	}
	id, err := f.SendMessage(r.Context(), req.SenderID, req.RecipientID, req.Channel, req.Content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message_id": id})
}

func (f *Facade) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient_id")
	if recipient == "" {
		writeError(w, http.StatusBadRequest, "recipient_id is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := f.GetMessages(r.Context(), recipient, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (f *Facade) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	status, err := f.GetMessageStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (f *Facade) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	res := f.RouteEvent(r.Context(), req.Event, req.Data)
	status := http.StatusOK
	if res.Status == StatusError {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}
