package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gridbook/api/internal/auth"
	"gridbook/api/internal/authpw"
	"gridbook/api/internal/collab"
	"gridbook/api/internal/config"
	"gridbook/api/internal/grid"
	"gridbook/api/internal/store"
	"gridbook/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Tenant       string
	JTI          string
	ExpiresAt    time.Time
}

const (
	defaultRows = 1000
	defaultCols = 26
	maxRows     = 100000
	maxCols     = 702 // through column ZZ
)

type dataStore interface {
	EnsureUserByName(ctx context.Context, tenant, name string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	InsertDocument(ctx context.Context, item store.Document) error
	ListDocuments(ctx context.Context, tenant string) ([]store.Document, error)
	GetDocument(ctx context.Context, tenant, documentID string) (store.Document, error)
	RenameDocument(ctx context.Context, tenant, documentID, name string) error
	DeleteDocument(ctx context.Context, tenant, documentID string) error
	LoadCells(ctx context.Context, tenant, documentID string) (map[string]grid.Cell, error)
	LoadAxisSizes(ctx context.Context, tenant, documentID string) (store.AxisSizes, error)
	SaveAxisSize(ctx context.Context, tenant, documentID, axis string, idx, size int) error
	Ping(ctx context.Context) error
}

// SessionStore holds refresh tokens. Redis when configured, the Postgres
// store otherwise.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type liveHub interface {
	LiveSnapshot(tenant, documentID string) (map[string]grid.Cell, bool)
	DropDocument(tenant, documentID, reason string)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  SessionStore
	passwords *authpw.Service
	hub       liveHub
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions SessionStore, hub *collab.Hub) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: authpw.NewService(dataStore),
		hub:       hub,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Login is the name-only development entry point: it finds or creates the
// named user within the tenant and issues a session.
func (s *Service) Login(ctx context.Context, tenant, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		tenant = "default"
	}

	user, err := s.store.EnsureUserByName(ctx, tenant, userName)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token: the presented one is revoked and a
// fresh pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:    user.ID,
		Name:   user.DisplayName,
		Tenant: user.Tenant,
		JTI:    jti,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken()
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Tenant:       user.Tenant,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Tenant:    claims.Tenant,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Authenticate adapts token parsing to the websocket handler's interface.
func (s *Service) Authenticate(ctx context.Context, token string) (collab.User, error) {
	sess, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return collab.User{}, err
	}
	return collab.User{ID: sess.UserID, Name: sess.UserName, Tenant: sess.Tenant}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) CreateDocument(ctx context.Context, sess Session, name string, rows, cols int) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Untitled"
	}
	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}
	if rows < 1 || rows > maxRows || cols < 1 || cols > maxCols {
		return nil, validationError(fmt.Sprintf("grid must be at most %d rows by %d columns", maxRows, maxCols))
	}

	doc := store.Document{
		ID:        util.NewID("doc"),
		Tenant:    sess.Tenant,
		Name:      name,
		Rows:      rows,
		Cols:      cols,
		CreatedBy: sess.UserID,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	return documentSummary(doc), nil
}

func (s *Service) ListDocuments(ctx context.Context, tenant string) ([]map[string]any, error) {
	documents, err := s.store.ListDocuments(ctx, tenant)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(documents))
	for _, doc := range documents {
		items = append(items, documentSummary(doc))
	}
	return items, nil
}

// GetDocumentDetail returns the header plus the cell snapshot. When the
// document has a live editing session the coordinator's cells win over the
// store, so a fetch never trails an in-flight write.
func (s *Service) GetDocumentDetail(ctx context.Context, tenant, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, tenant, documentID)
	if err != nil {
		return nil, err
	}

	cells, live := s.hub.LiveSnapshot(tenant, documentID)
	if !live {
		cells, err = s.store.LoadCells(ctx, tenant, documentID)
		if err != nil {
			return nil, err
		}
	}
	sizes, err := s.store.LoadAxisSizes(ctx, tenant, documentID)
	if err != nil {
		return nil, err
	}

	detail := documentSummary(doc)
	detail["cells"] = cells
	detail["colSizes"] = sizes.Cols
	detail["rowSizes"] = sizes.Rows
	detail["live"] = live
	return detail, nil
}

func (s *Service) RenameDocument(ctx context.Context, tenant, documentID, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("name is required")
	}
	if err := s.store.RenameDocument(ctx, tenant, documentID, name); err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, tenant, documentID)
	if err != nil {
		return nil, err
	}
	return documentSummary(doc), nil
}

// DeleteDocument removes the document and tears down any live session so
// connected editors learn immediately.
func (s *Service) DeleteDocument(ctx context.Context, tenant, documentID string) error {
	if err := s.store.DeleteDocument(ctx, tenant, documentID); err != nil {
		return err
	}
	s.hub.DropDocument(tenant, documentID, "document deleted")
	return nil
}

func (s *Service) UpdateLayout(ctx context.Context, tenant, documentID, axis string, idx, size int) error {
	if axis != "col" && axis != "row" {
		return validationError("axis must be col or row")
	}
	// Indices are zero-based, so 0 addresses column A / row 1.
	if idx < 0 || size < 1 {
		return validationError("index must be non-negative and size positive")
	}
	return s.store.SaveAxisSize(ctx, tenant, documentID, axis, idx, size)
}

func documentSummary(doc store.Document) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"name":      doc.Name,
		"rows":      doc.Rows,
		"cols":      doc.Cols,
		"createdBy": doc.CreatedBy,
		"createdAt": doc.CreatedAt,
		"updatedAt": doc.UpdatedAt,
	}
}
