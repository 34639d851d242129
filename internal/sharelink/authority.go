// Package sharelink issues and validates signed, expiring, permission-scoped
// share tokens for documents. Validation is fail-closed: malformed tokens,
// bad signatures, expiry, and wrong passwords all resolve to a denial, never
// an error the caller has to special-case.
package sharelink

import (
	"context"
	"errors"
	"log"
	"time"

	"docvault/internal/store"
	"docvault/internal/util"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid share token")
	ErrExpiredToken = errors.New("expired share token")
)

// Permissions is the per-token grant embedded in the claims payload.
type Permissions struct {
	Read     bool `json:"read"`
	Write    bool `json:"write"`
	Download bool `json:"download"`
}

// Denied is the fully-denied permission set returned on any validation
// failure.
func Denied() Permissions {
	return Permissions{}
}

// Claims is the share-token payload. The token ID (jti) keys the
// out-of-band password hash; the token never embeds the password or hash.
type Claims struct {
	DocumentID  string      `json:"documentId"`
	Permissions Permissions `json:"permissions"`
	jwt.RegisteredClaims
}

// PasswordStore is the external collaborator holding password hashes keyed
// by token ID.
type PasswordStore interface {
	StorePasswordHash(ctx context.Context, tokenID, hash string, ttl time.Duration) error
	PasswordHash(ctx context.Context, tokenID string) (string, bool, error)
}

// AuditStore receives the access trail. Writes are best-effort.
type AuditStore interface {
	AppendAuditEntry(ctx context.Context, entry store.AuditEntry) error
}

// Authority signs and verifies share tokens with a shared secret.
type Authority struct {
	secret     []byte
	defaultTTL time.Duration
	passwords  PasswordStore
	audit      AuditStore
	now        func() time.Time
}

func New(secret string, defaultTTL time.Duration, passwords PasswordStore, audit AuditStore) *Authority {
	if defaultTTL <= 0 {
		defaultTTL = 7 * 24 * time.Hour
	}
	return &Authority{
		secret:     []byte(secret),
		defaultTTL: defaultTTL,
		passwords:  passwords,
		audit:      audit,
		now:        time.Now,
	}
}

// IssueOptions carries the optional settings for a new share token.
type IssueOptions struct {
	ExpiresAt *time.Time
	Password  string
}

// Issue produces a signed token for a document. Absent an explicit expiry
// the default lifetime applies. A password, when given, is bcrypt-hashed
// and stored out-of-band with a TTL matching the token lifetime.
func (a *Authority) Issue(ctx context.Context, documentID string, perms Permissions, opts IssueOptions) (string, error) {
	now := a.now()
	expiresAt := now.Add(a.defaultTTL)
	if opts.ExpiresAt != nil {
		expiresAt = *opts.ExpiresAt
	}
	tokenID := util.NewID("shr")

	claims := Claims{
		DocumentID:  documentID,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", err
	}

	if opts.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		if err := a.passwords.StorePasswordHash(ctx, tokenID, string(hash), time.Until(expiresAt)); err != nil {
			return "", err
		}
	}

	return token, nil
}

// Validate reports whether a token grants access. It fails closed on a bad
// signature, a malformed token, expiry, or a missing/incorrect password on
// a password-protected link.
func (a *Authority) Validate(ctx context.Context, token, password string) bool {
	claims, err := a.parse(token)
	if err != nil {
		return false
	}

	hash, protected, err := a.passwords.PasswordHash(ctx, claims.ID)
	if err != nil {
		// Ambiguity resolves to deny.
		return false
	}
	if protected {
		if password == "" {
			return false
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
			return false
		}
	}
	return true
}

// PasswordProtected reports whether a token has an out-of-band password
// gate, so callers can branch to a password prompt. Unknown on error; deny.
func (a *Authority) PasswordProtected(ctx context.Context, token string) bool {
	claims, err := a.parse(token)
	if err != nil {
		return false
	}
	_, protected, err := a.passwords.PasswordHash(ctx, claims.ID)
	if err != nil {
		return false
	}
	return protected
}

// PermissionsOf returns the permission set embedded in a structurally
// valid, non-expired token, and the fully-denied set on any failure.
func (a *Authority) PermissionsOf(ctx context.Context, token string) Permissions {
	claims, err := a.parse(token)
	if err != nil {
		return Denied()
	}
	return claims.Permissions
}

// Inspect returns the claims of a verifiable token for routing purposes
// (document lookup, audit actor).
func (a *Authority) Inspect(token string) (Claims, error) {
	claims, err := a.parse(token)
	if err != nil {
		return Claims{}, err
	}
	return *claims, nil
}

// RecordAccess appends an audit entry. Best-effort: failures are logged and
// never abort the caller's operation.
func (a *Authority) RecordAccess(ctx context.Context, documentID, actorID, action string) {
	if a.audit == nil {
		return
	}
	if err := a.audit.AppendAuditEntry(ctx, store.AuditEntry{
		DocumentID: documentID,
		ActorID:    actorID,
		Action:     action,
	}); err != nil {
		log.Printf("sharelink: audit entry %s/%s: %v", documentID, action, err)
	}
}

func (a *Authority) parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid || claims.DocumentID == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
