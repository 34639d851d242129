package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docvault/internal/export"
	"docvault/internal/hub"
	"docvault/internal/revision"
	"docvault/internal/search"
	"docvault/internal/sharelink"
	"docvault/internal/store"
)

const maxUploadBytes = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	ws         http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		ws:         hub.ServeWS(service.Hub()),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/socket" {
		s.ws.ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "documents":
		s.handleDocuments(w, r, parts[2:])
	case "shared":
		s.handleShared(w, r, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		s.handleListDocuments(w, r)
	case len(rest) == 0 && r.Method == http.MethodPost:
		s.handleCreateDocument(w, r)
	case len(rest) == 1 && rest[0] == "search" && r.Method == http.MethodGet:
		s.handleSearch(w, r)
	case len(rest) == 1 && r.Method == http.MethodGet:
		s.handleGetDocument(w, r, rest[0])
	case len(rest) == 1 && r.Method == http.MethodPut:
		s.handleUpdateContent(w, r, rest[0])
	case len(rest) == 1 && r.Method == http.MethodDelete:
		s.handleDeleteDocument(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "share" && r.Method == http.MethodPost:
		s.handleShare(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "undo" && r.Method == http.MethodPost:
		s.handleStep(w, r, rest[0], "undo")
	case len(rest) == 2 && rest[1] == "redo" && r.Method == http.MethodPost:
		s.handleStep(w, r, rest[0], "redo")
	case len(rest) == 2 && rest[1] == "history" && r.Method == http.MethodGet:
		s.handleHistory(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "export" && r.Method == http.MethodGet:
		s.handleExport(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "original" && r.Method == http.MethodGet:
		s.handleOriginal(w, r, rest[0])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleShared(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	token := rest[0]

	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		s.handleSharedGet(w, r, token)
	case len(rest) == 1 && r.Method == http.MethodPost:
		s.handleSharedUnlock(w, r, token)
	case len(rest) == 1 && r.Method == http.MethodPut:
		s.handleSharedUpdate(w, r, token)
	case len(rest) == 2 && (rest[1] == "undo" || rest[1] == "redo") && r.Method == http.MethodPost:
		s.handleSharedStep(w, r, token, rest[1])
	case len(rest) == 2 && rest[1] == "export" && r.Method == http.MethodGet:
		s.handleSharedExport(w, r, token)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.service.ListDocuments(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		payload = append(payload, documentPayload(doc, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": payload})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	input, err := decodeCreateInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(input.Name) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Document name is required", nil)
		return
	}
	if len(input.Content) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Document content is required", nil)
		return
	}

	doc, ownerToken, err := s.service.CreateDocument(r.Context(), input)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"document":   documentPayload(doc, false),
		"ownerToken": ownerToken,
	})
}

func decodeCreateInput(r *http.Request) (CreateDocumentInput, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return CreateDocumentInput{}, fmt.Errorf("invalid multipart body")
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return CreateDocumentInput{}, fmt.Errorf("file field is required")
		}
		defer file.Close()
		content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
		if err != nil {
			return CreateDocumentInput{}, fmt.Errorf("failed to read upload")
		}
		name := r.FormValue("name")
		if name == "" {
			name = header.Filename
		}
		return CreateDocumentInput{
			Name:       name,
			Content:    content,
			Tags:       splitCSV(r.FormValue("tags")),
			Category:   r.FormValue("category"),
			SearchText: r.FormValue("searchText"),
		}, nil
	}

	var body struct {
		Name       string   `json:"name"`
		Content    []byte   `json:"content"`
		Tags       []string `json:"tags"`
		Category   string   `json:"category"`
		SearchText string   `json:"searchText"`
	}
	if err := decodeBody(r, &body); err != nil {
		return CreateDocumentInput{}, err
	}
	return CreateDocumentInput{
		Name:       body.Name,
		Content:    body.Content,
		Tags:       body.Tags,
		Category:   body.Category,
		SearchText: body.SearchText,
	}, nil
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request, id string) {
	doc, err := s.service.GetDocument(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": documentPayload(doc, true)})
}

func (s *HTTPServer) handleUpdateContent(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Content []byte `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	index, err := s.service.UpdateContent(r.Context(), id, bearerToken(r), sharePassword(r), body.Content)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index})
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.service.DeleteDocument(r.Context(), id, bearerToken(r), sharePassword(r)); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleShare(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Permissions sharelink.Permissions `json:"permissions"`
		ExpiresAt   *time.Time            `json:"expiresAt"`
		Password    string                `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	link, err := s.service.IssueShareLink(r.Context(), id, body.Permissions, body.ExpiresAt, body.Password)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":     link.Token,
		"shareUrl":  link.URL,
		"expiresAt": link.ExpiresAt,
	})
}

func (s *HTTPServer) handleStep(w http.ResponseWriter, r *http.Request, id, action string) {
	s.handleStepWithToken(w, r, id, bearerToken(r), action)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, id string) {
	index, length, err := s.service.History(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "length": length})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, id string) {
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatPDF
	}
	result, err := s.service.ExportDocument(r.Context(), id, format, bearerToken(r), sharePassword(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeBinary(w, result.Data, result.MimeType, result.Filename)
}

func (s *HTTPServer) handleOriginal(w http.ResponseWriter, r *http.Request, id string) {
	data, contentType, err := s.service.OriginalUpload(r.Context(), id, bearerToken(r), sharePassword(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeBinary(w, data, contentType, "")
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	response := s.service.Search(search.Query{
		Text:       q.Get("q"),
		FilterType: q.Get("type"),
		Category:   q.Get("category"),
		Tags:       splitCSV(q.Get("tags")),
		Limit:      limit,
		Offset:     offset,
	})
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleSharedGet(w http.ResponseWriter, r *http.Request, token string) {
	doc, content, perms, err := s.service.SharedDocument(r.Context(), token, sharePassword(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document":    documentPayload(doc, false),
		"content":     content,
		"permissions": perms,
	})
}

// handleSharedUnlock takes the password in the body rather than a header,
// for clients that prompt after seeing PASSWORD_REQUIRED.
func (s *HTTPServer) handleSharedUnlock(w http.ResponseWriter, r *http.Request, token string) {
	var body struct {
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, content, perms, err := s.service.SharedDocument(r.Context(), token, body.Password)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document":    documentPayload(doc, false),
		"content":     content,
		"permissions": perms,
	})
}

func (s *HTTPServer) handleSharedUpdate(w http.ResponseWriter, r *http.Request, token string) {
	claims, err := s.service.authority.Inspect(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "LINK_INVALID", "Share link is invalid or expired", nil)
		return
	}
	var body struct {
		Content []byte `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	index, err := s.service.UpdateContent(r.Context(), claims.DocumentID, token, sharePassword(r), body.Content)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": index})
}

func (s *HTTPServer) handleSharedStep(w http.ResponseWriter, r *http.Request, token, action string) {
	claims, err := s.service.authority.Inspect(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "LINK_INVALID", "Share link is invalid or expired", nil)
		return
	}
	s.handleStepWithToken(w, r, claims.DocumentID, token, action)
}

func (s *HTTPServer) handleStepWithToken(w http.ResponseWriter, r *http.Request, id, token, action string) {
	var content []byte
	var index int
	var err error
	if action == "undo" {
		content, index, err = s.service.Undo(r.Context(), id, token, sharePassword(r))
	} else {
		content, index, err = s.service.Redo(r.Context(), id, token, sharePassword(r))
	}
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content, "index": index})
}

func (s *HTTPServer) handleSharedExport(w http.ResponseWriter, r *http.Request, token string) {
	claims, err := s.service.authority.Inspect(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "LINK_INVALID", "Share link is invalid or expired", nil)
		return
	}
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatPDF
	}
	result, err := s.service.ExportDocument(r.Context(), claims.DocumentID, format, token, sharePassword(r))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeBinary(w, result.Data, result.MimeType, result.Filename)
}

func documentPayload(doc store.Document, includeContent bool) map[string]any {
	payload := map[string]any{
		"id":                  doc.ID,
		"name":                doc.Name,
		"type":                doc.Type,
		"tags":                doc.Tags,
		"category":            doc.Category,
		"currentHistoryIndex": doc.CurrentHistoryIndex,
		"size":                doc.Size,
		"lastModified":        doc.LastModified,
		"createdAt":           doc.CreatedAt,
	}
	if includeContent {
		payload["content"] = doc.Content
	}
	return payload
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if r.URL.Path != "/api/socket" {
			setCORSHeaders(writer.Header(), s.corsOrigin)
		}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Share-Password")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBinary(w http.ResponseWriter, data []byte, contentType, filename string) {
	w.Header().Set("Content-Type", contentType)
	if filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func sharePassword(r *http.Request) string {
	if pw := r.Header.Get("X-Share-Password"); pw != "" {
		return pw
	}
	return r.URL.Query().Get("password")
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func splitCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, revision.ErrForbidden) {
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	}
	if errors.Is(err, revision.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, revision.ErrEmptyHistory) {
		return http.StatusConflict, "EMPTY_HISTORY", "Document has no revisions", nil
	}
	if errors.Is(err, revision.ErrTimeout) {
		return http.StatusGatewayTimeout, "TIMEOUT", "Operation timed out", nil
	}
	if errors.Is(err, revision.ErrPersistence) {
		return http.StatusBadGateway, "PERSISTENCE_FAILED", "Failed to persist revision", nil
	}
	if errors.Is(err, sharelink.ErrInvalidToken) || errors.Is(err, sharelink.ErrExpiredToken) {
		return http.StatusUnauthorized, "LINK_INVALID", "Share link is invalid or expired", nil
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export dependencies are not installed", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
