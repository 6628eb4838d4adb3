// Package api exposes the callable endpoints: sendMessage and getUserInfo.
// Plain JSON-over-POST; validation errors come back verbatim as the terminal
// result of the call.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang/glog"

	"duochat/auth"
	"duochat/chat"
	"duochat/registry"
)

// Server carries the endpoint dependencies.
type Server struct {
	authClient auth.Client
	service    *chat.Service
	registry   registry.IRegistry
}

func NewServer(authClient auth.Client, service *chat.Service, reg registry.IRegistry) *Server {
	return &Server{
		authClient: authClient,
		service:    service,
		registry:   reg,
	}
}

// Register installs the endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/sendMessage", s.handleSendMessage)
	mux.HandleFunc("/api/getUserInfo", s.handleGetUserInfo)
}

type sendMessageReq struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type messageResp struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type sendMessageResp struct {
	Success bool        `json:"success"`
	Message messageResp `json:"message"`
}

type getUserInfoReq struct {
	UID []string `json:"uid"`
}

type getUserInfoResp struct {
	Success bool                `json:"success"`
	Users   []registry.UserInfo `json:"users"`
}

type errorBody struct {
	Code   chat.Code `json:"code"`
	Reason string    `json:"reason,omitempty"`
}

type errorResp struct {
	Error errorBody `json:"error"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Anonymous callers still get the full validation chain: a missing
	// identity is the first rule, not a transport failure.
	senderID, err := s.authClient.Auth(r)
	if err != nil {
		glog.V(5).Infof("sendMessage: unauthenticated: %v", err)
		senderID = ""
	}

	var req sendMessageReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &chat.Error{Code: chat.CodeInvalidInput, Reason: "malformed request body"})
		return
	}

	msg, err := s.service.SendMessage(r.Context(), senderID, req.To, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, &sendMessageResp{
		Success: true,
		Message: messageResp{Sender: msg.Sender, Text: msg.Text, Timestamp: msg.TS},
	})
}

func (s *Server) handleGetUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := s.authClient.Auth(r); err != nil {
		writeError(w, &chat.Error{Code: chat.CodeUnauthenticated, Reason: "authentication required"})
		return
	}

	var req getUserInfoReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &chat.Error{Code: chat.CodeInvalidInput, Reason: "malformed request body"})
		return
	}

	users, err := s.registry.GetUsers(r.Context(), req.UID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, &getUserInfoResp{Success: true, Users: users})
}

func writeError(w http.ResponseWriter, err error) {
	code := chat.CodeOf(err)

	reason := "internal error"
	var e *chat.Error
	if errors.As(err, &e) && e.Reason != "" {
		reason = e.Reason
	}
	if code == chat.CodeInternal || code == chat.CodeStorageConflict {
		glog.Errorf("api: %v", err)
		reason = "temp storage error"
	}

	writeJSON(w, statusOf(code), &errorResp{Error: errorBody{Code: code, Reason: reason}})
}

func statusOf(code chat.Code) int {
	switch code {
	case chat.CodeUnauthenticated:
		return http.StatusUnauthorized
	case chat.CodeRecipientNotFound:
		return http.StatusNotFound
	case chat.CodeHandleTaken:
		return http.StatusConflict
	case chat.CodeStorageConflict:
		return http.StatusServiceUnavailable
	case chat.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("api: write response: %v", err)
	}
}
