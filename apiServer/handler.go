package apiServer

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	vault "github.com/typicallhavok/evidence-vault"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

const (
	headerFilePassword   = "X-File-Password"
	headerIdempotencyKey = "Idempotency-Key"
)

// handleUpload reads the whole file into memory; the body is bounded by
// maxUploadBytes.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) { // PA
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(contentType), "multipart/form-data") {
		writeMessage(w, http.StatusUnsupportedMediaType, "expected multipart/form-data")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("failed to parse multipart form: %v", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("failed to read file: %v", err))
		return
	}

	req := vault.UploadRequest{
		UserID:         userID(r),
		Name:           strings.TrimSpace(r.FormValue("name")),
		Type:           strings.TrimSpace(r.FormValue("type")),
		Data:           payload,
		FilePassword:   r.FormValue("password"),
		CaseID:         strings.TrimSpace(r.FormValue("caseId")),
		Description:    r.FormValue("description"),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(headerIdempotencyKey)),
	}
	if req.Name == "" {
		req.Name = fileHeader.Filename
	}
	if req.Type == "" {
		req.Type = strings.TrimSpace(fileHeader.Header.Get("Content-Type"))
	}
	if req.Type == "" {
		req.Type = "application/octet-stream"
	}

	var parseErr error
	intField := func(key string) int64 {
		v := strings.TrimSpace(r.FormValue(key))
		if v == "" || parseErr != nil {
			return 0
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			parseErr = fmt.Errorf("invalid %s: %w", key, err)
		}
		return n
	}
	floatField := func(key string) float64 {
		v := strings.TrimSpace(r.FormValue(key))
		if v == "" || parseErr != nil {
			return 0
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErr = fmt.Errorf("invalid %s: %w", key, err)
		}
		return f
	}
	req.LastModified = intField("lastModified")
	req.Location = model.Location{Latitude: floatField("latitude"), Longitude: floatField("longitude")}
	if parseErr != nil {
		writeMessage(w, http.StatusBadRequest, parseErr.Error())
		return
	}

	res, err := s.vault.ProtectAndPublish(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) { // A
	cid := mux.Vars(r)["cid"]
	out, err := s.vault.RetrieveAndReveal(r.Context(), vault.DownloadRequest{
		UserID:       userID(r),
		ContentID:    cid,
		FilePassword: r.Header.Get(headerFilePassword),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	mimeType := strings.TrimSpace(out.Type)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": out.Name}))
	w.Header().Set("X-Evidence-Cid", cid)
	w.Header().Set("X-Evidence-Integrity", string(out.Integrity))
	w.Header().Set("X-Evidence-Last-Modified", strconv.FormatInt(out.LastModified, 10))

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out.Data); err != nil {
		s.log.Error("failed to write response body", logKeyError, err, "cid", cid)
	}
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) { // A
	view, err := s.vault.Record(r.Context(), userID(r), model.ContentID(mux.Vars(r)["cid"]))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type chainResponse struct {
	Versions []vault.VersionEntry `json:"versions"`
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) { // A
	versions, err := s.vault.OwnedVersionHistory(r.Context(), userID(r), model.ContentID(mux.Vars(r)["cid"]))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chainResponse{Versions: versions})
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) { // A
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	entry, err := s.vault.SetStatus(r.Context(), userID(r), model.ContentID(mux.Vars(r)["cid"]), req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
