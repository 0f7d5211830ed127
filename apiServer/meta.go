package apiServer

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	vault "github.com/typicallhavok/evidence-vault"
	"github.com/typicallhavok/evidence-vault/pkg/keyderive"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

const maxLogPageSize = 500

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) { // A
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	acc, err := s.vault.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expiresAt"`
	Account   vault.AccountInfo `json:"account"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) { // A
	if !s.logins.allow(s.clientIP(r)) {
		tooMany(w, 1)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	acc, err := s.vault.Login(r.Context(), req.Login, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, exp, err := s.sessions.issue(acc.ID, acc.Username)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: exp, Account: acc})
}

type keyRequest struct {
	FilePassword string `json:"filePassword"`
}

type keyResponse struct {
	Key keyderive.HexKey `json:"key"`
}

func (s *Server) handleEncryptionKey(w http.ResponseWriter, r *http.Request) { // A
	var req keyRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	key, err := s.vault.RequestKey(r.Context(), userID(r), req.FilePassword)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key})
}

type filesResponse struct {
	Files []model.FileSummary `json:"files"`
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) { // A
	files, err := s.vault.Files(r.Context(), userID(r), strings.TrimSpace(r.URL.Query().Get("caseId")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, filesResponse{Files: files})
}

type caseRequest struct {
	CaseID      string `json:"caseId"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) { // A
	var req caseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	c, err := s.vault.CreateCase(r.Context(), userID(r), req.CaseID, req.Name, req.Description)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type casesResponse struct {
	Cases []model.Case `json:"cases"`
}

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) { // A
	cases, err := s.vault.Cases(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, casesResponse{Cases: cases})
}

type logsResponse struct {
	Logs []model.AuditEntry `json:"logs"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) { // A
	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeMessage(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > maxLogPageSize {
		limit = maxLogPageSize
	}

	entries, err := s.vault.AuditLog(r.Context(), userID(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{Logs: entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.vault.Health(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}
