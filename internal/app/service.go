package app

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"docvault/internal/config"
	"docvault/internal/export"
	"docvault/internal/filetype"
	"docvault/internal/hub"
	"docvault/internal/revision"
	"docvault/internal/search"
	"docvault/internal/sharelink"
	"docvault/internal/store"
	"docvault/internal/util"
)

type dataStore interface {
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context) ([]store.Document, error)
	DeleteDocument(context.Context, string) error
	UpdateSearchText(context.Context, string, string) error
	Ping(context.Context) error
}

// BlobStore holds original uploads outside the relational store.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// CreateDocumentInput carries an upload.
type CreateDocumentInput struct {
	Name       string
	Content    []byte
	Tags       []string
	Category   string
	SearchText string
}

// ShareLink is an issued share token plus the URL a client can open.
type ShareLink struct {
	Token     string
	URL       string
	ExpiresAt time.Time
}

type Service struct {
	cfg       config.Config
	store     dataStore
	blobs     BlobStore
	search    *search.Service
	authority *sharelink.Authority
	revisions *revision.Coordinator
	hub       *hub.Hub
	exports   *export.Service
}

func New(cfg config.Config, st dataStore, authority *sharelink.Authority, revisions *revision.Coordinator, h *hub.Hub, searchService *search.Service, exports *export.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     st,
		search:    searchService,
		authority: authority,
		revisions: revisions,
		hub:       h,
		exports:   exports,
	}
}

// WithBlobStore attaches object storage for original uploads. Without it
// originals live only in the documents table.
func (s *Service) WithBlobStore(b BlobStore) *Service {
	s.blobs = b
	return s
}

func (s *Service) Hub() *hub.Hub {
	return s.hub
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap backfills the search index from the relational store.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

// authorize verifies a share token (and password, when the link carries
// one) and checks that it was issued for the given document. An empty
// documentID skips the binding check; callers then route by the token's
// own document claim.
func (s *Service) authorize(ctx context.Context, token, password, documentID string) (sharelink.Claims, error) {
	claims, err := s.authority.Inspect(token)
	if err != nil {
		return sharelink.Claims{}, domainError(http.StatusUnauthorized, "LINK_INVALID", "Share link is invalid or expired", nil)
	}
	if documentID != "" && claims.DocumentID != documentID {
		return sharelink.Claims{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if s.authority.PasswordProtected(ctx, token) {
		if password == "" {
			return sharelink.Claims{}, domainError(http.StatusUnauthorized, "PASSWORD_REQUIRED", "Share link requires a password", nil)
		}
		if !s.authority.Validate(ctx, token, password) {
			return sharelink.Claims{}, domainError(http.StatusUnauthorized, "LINK_INVALID", "Share link is invalid or expired", nil)
		}
	}
	return claims, nil
}

// CreateDocument stores an upload, opens its revision history at index 0,
// and returns an owner token carrying full permissions.
func (s *Service) CreateDocument(ctx context.Context, input CreateDocumentInput) (store.Document, string, error) {
	docType, err := filetype.Detect(input.Name, input.Content)
	if err != nil {
		return store.Document{}, "", domainError(http.StatusBadRequest, "UNSUPPORTED_TYPE", "Only PDF, Word, and Excel files are supported", nil)
	}

	id := util.NewID("doc")
	now := time.Now().UTC()

	originalKey := ""
	if s.blobs != nil {
		originalKey = "originals/" + id
		if err := s.blobs.Put(ctx, originalKey, input.Content, filetype.ContentType(docType)); err != nil {
			return store.Document{}, "", domainError(http.StatusBadGateway, "PERSISTENCE_FAILED", "Failed to store original upload", nil)
		}
	}

	doc := store.Document{
		ID:                  id,
		Name:                input.Name,
		Type:                docType,
		Content:             input.Content,
		CurrentHistoryIndex: 0,
		Tags:                input.Tags,
		Category:            input.Category,
		SearchText:          input.SearchText,
		OriginalKey:         originalKey,
		Size:                int64(len(input.Content)),
		LastModified:        now,
		CreatedAt:           now,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, "", err
	}

	if s.search != nil {
		s.search.IndexDocument(searchRecord(doc))
	}

	ownerToken, err := s.authority.Issue(ctx, id, sharelink.Permissions{Read: true, Write: true, Download: true}, sharelink.IssueOptions{})
	if err != nil {
		return store.Document{}, "", err
	}
	actor := "owner"
	if claims, err := s.authority.Inspect(ownerToken); err == nil {
		actor = claims.ID
	}
	s.authority.RecordAccess(ctx, id, actor, "created")

	return doc, ownerToken, nil
}

func (s *Service) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return s.store.ListDocuments(ctx)
}

func (s *Service) GetDocument(ctx context.Context, id string) (store.Document, error) {
	return s.store.GetDocument(ctx, id)
}

// DeleteDocument removes a document and its original upload. Requires a
// write-capable token for the document.
func (s *Service) DeleteDocument(ctx context.Context, id, token, password string) error {
	claims, err := s.authorize(ctx, token, password, id)
	if err != nil {
		return err
	}
	if !claims.Permissions.Write {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, id); err != nil {
		return err
	}
	if s.blobs != nil && doc.OriginalKey != "" {
		if err := s.blobs.Remove(ctx, doc.OriginalKey); err != nil {
			log.Printf("app: remove original %s: %v", doc.OriginalKey, err)
		}
	}
	if s.search != nil {
		s.search.DeleteDocument(id)
	}
	s.revisions.Invalidate(id)
	s.authority.RecordAccess(ctx, id, claims.ID, "deleted")
	return nil
}

// UpdateContent appends a new revision through the coordinator and
// refreshes the searchable text.
func (s *Service) UpdateContent(ctx context.Context, id, token, password string, content []byte) (int, error) {
	claims, err := s.authorize(ctx, token, password, id)
	if err != nil {
		return 0, err
	}
	index, err := s.revisions.ApplyMutation(ctx, id, token, claims.ID, content)
	if err != nil {
		return 0, err
	}
	s.refreshSearchText(ctx, id, content)
	return index, nil
}

// Undo steps the document's history cursor back one revision.
func (s *Service) Undo(ctx context.Context, id, token, password string) ([]byte, int, error) {
	claims, err := s.authorize(ctx, token, password, id)
	if err != nil {
		return nil, 0, err
	}
	content, index, err := s.revisions.Undo(ctx, id, token, claims.ID)
	if err != nil {
		return nil, 0, err
	}
	s.refreshSearchText(ctx, id, content)
	return content, index, nil
}

// Redo steps the cursor forward one revision.
func (s *Service) Redo(ctx context.Context, id, token, password string) ([]byte, int, error) {
	claims, err := s.authorize(ctx, token, password, id)
	if err != nil {
		return nil, 0, err
	}
	content, index, err := s.revisions.Redo(ctx, id, token, claims.ID)
	if err != nil {
		return nil, 0, err
	}
	s.refreshSearchText(ctx, id, content)
	return content, index, nil
}

// History reports the cursor position and revision count.
func (s *Service) History(ctx context.Context, id string) (int, int, error) {
	return s.revisions.Cursor(ctx, id)
}

// CurrentContent returns the revision the cursor points at.
func (s *Service) CurrentContent(ctx context.Context, id string) ([]byte, error) {
	return s.revisions.Current(ctx, id)
}

// IssueShareLink mints a token for the document and returns the URL to
// hand out.
func (s *Service) IssueShareLink(ctx context.Context, id string, perms sharelink.Permissions, expiresAt *time.Time, password string) (ShareLink, error) {
	if _, err := s.store.GetDocument(ctx, id); err != nil {
		return ShareLink{}, err
	}

	token, err := s.authority.Issue(ctx, id, perms, sharelink.IssueOptions{
		ExpiresAt: expiresAt,
		Password:  password,
	})
	if err != nil {
		return ShareLink{}, err
	}
	claims, err := s.authority.Inspect(token)
	if err != nil {
		return ShareLink{}, err
	}
	s.authority.RecordAccess(ctx, id, claims.ID, "shared")

	return ShareLink{
		Token:     token,
		URL:       strings.TrimRight(s.cfg.BaseURL, "/") + "/shared/" + token,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// SharedDocument resolves a share token to its document, current content,
// and the token's permission set.
func (s *Service) SharedDocument(ctx context.Context, token, password string) (store.Document, []byte, sharelink.Permissions, error) {
	claims, err := s.authorize(ctx, token, password, "")
	if err != nil {
		return store.Document{}, nil, sharelink.Permissions{}, err
	}
	if !claims.Permissions.Read {
		return store.Document{}, nil, sharelink.Permissions{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	doc, err := s.store.GetDocument(ctx, claims.DocumentID)
	if err != nil {
		return store.Document{}, nil, sharelink.Permissions{}, err
	}
	content, err := s.revisions.Current(ctx, claims.DocumentID)
	if err != nil {
		return store.Document{}, nil, sharelink.Permissions{}, err
	}
	s.authority.RecordAccess(ctx, claims.DocumentID, claims.ID, "viewed")
	return doc, content, claims.Permissions, nil
}

// ExportDocument renders the current revision as PDF or DOCX. Requires the
// download permission.
func (s *Service) ExportDocument(ctx context.Context, id string, format export.Format, token, password string) (*export.Result, error) {
	claims, err := s.authorize(ctx, token, password, id)
	if err != nil {
		return nil, err
	}
	if !claims.Permissions.Download {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	content, err := s.revisions.Current(ctx, id)
	if err != nil {
		return nil, err
	}

	result, err := s.exports.Export(export.Document{
		ID:           doc.ID,
		Name:         doc.Name,
		Category:     doc.Category,
		Tags:         doc.Tags,
		Content:      content,
		LastModified: doc.LastModified,
	}, format)
	if err != nil {
		return nil, err
	}
	s.authority.RecordAccess(ctx, id, claims.ID, "downloaded")
	return result, nil
}

// OriginalUpload fetches the originally uploaded bytes from object storage.
func (s *Service) OriginalUpload(ctx context.Context, id, token, password string) ([]byte, string, error) {
	claims, err := s.authorize(ctx, token, password, id)
	if err != nil {
		return nil, "", err
	}
	if !claims.Permissions.Download {
		return nil, "", domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if s.blobs == nil || doc.OriginalKey == "" {
		return nil, "", domainError(http.StatusNotFound, "NOT_FOUND", "Original upload not available", nil)
	}
	data, err := s.blobs.Get(ctx, doc.OriginalKey)
	if err != nil {
		return nil, "", domainError(http.StatusBadGateway, "PERSISTENCE_FAILED", "Failed to read original upload", nil)
	}
	s.authority.RecordAccess(ctx, id, claims.ID, "downloaded")
	return data, filetype.ContentType(doc.Type), nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) refreshSearchText(ctx context.Context, id string, content []byte) {
	text := string(content)
	if err := s.store.UpdateSearchText(ctx, id, text); err != nil {
		log.Printf("app: update search text for %s: %v", id, err)
		return
	}
	if s.search == nil {
		return
	}
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return
	}
	s.search.IndexDocument(searchRecord(doc))
}

func searchRecord(doc store.Document) search.DocumentRecord {
	return search.DocumentRecord{
		ID:       doc.ID,
		Name:     doc.Name,
		Type:     doc.Type,
		Category: doc.Category,
		Tags:     doc.Tags,
		Text:     doc.SearchText,
	}
}
