// Package auth identifies callers. End users present a session JWT issued by the web
// app; operators present an admin token whose bcrypt hash is configured on the server.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidToken = errors.New("invalid token")
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleSupport Role = "support"
	RoleViewer  Role = "viewer"
)

type Permission string

const (
	PermissionProfileRead  Permission = "profile:read"
	PermissionProfileWrite Permission = "profile:write"
	PermissionUsageRead    Permission = "usage:read"
	PermissionBillingSync  Permission = "billing:sync"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionProfileRead,
		PermissionProfileWrite,
		PermissionUsageRead,
		PermissionBillingSync,
	},
	RoleSupport: {
		PermissionProfileRead,
		PermissionUsageRead,
		PermissionBillingSync,
	},
	RoleViewer: {
		PermissionProfileRead,
		PermissionUsageRead,
	},
}

func HasPermission(role Role, permission Permission) bool {
	return slices.Contains(rolePermissions[role], permission)
}

// AdminToken is one configured operator credential.
type AdminToken struct {
	Name string
	Role Role
	Hash string
}

// ParseAdminTokens reads "name:role:bcrypthash" entries separated by commas, the
// format of ADMIN_TOKEN_HASHES.
func ParseAdminTokens(value string) ([]AdminToken, error) {
	var tokens []AdminToken
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("admin token %q: want name:role:hash", entry)
		}
		role := Role(parts[1])
		if _, ok := rolePermissions[role]; !ok {
			return nil, fmt.Errorf("admin token %q: unknown role %q", parts[0], parts[1])
		}
		tokens = append(tokens, AdminToken{Name: parts[0], Role: role, Hash: parts[2]})
	}
	return tokens, nil
}

func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Admin is an authenticated operator.
type Admin struct {
	Name string
	Role Role
}

type AdminAuthenticator struct {
	tokens []AdminToken
}

func NewAdminAuthenticator(tokens []AdminToken) *AdminAuthenticator {
	return &AdminAuthenticator{tokens: tokens}
}

func (a *AdminAuthenticator) Authenticate(token string) (*Admin, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	for _, t := range a.tokens {
		if bcrypt.CompareHashAndPassword([]byte(t.Hash), []byte(token)) == nil {
			return &Admin{Name: t.Name, Role: t.Role}, nil
		}
	}
	return nil, ErrUnauthorized
}

type contextKey string

const adminContextKey contextKey = "admin"

func WithAdmin(ctx context.Context, admin *Admin) context.Context {
	return context.WithValue(ctx, adminContextKey, admin)
}

func AdminFromContext(ctx context.Context) (*Admin, bool) {
	admin, ok := ctx.Value(adminContextKey).(*Admin)
	return admin, ok
}

// ErrorWriter renders an error response; the API passes its JSON writer.
type ErrorWriter func(w http.ResponseWriter, status int, message string)

type RBACMiddleware struct {
	auth     *AdminAuthenticator
	writeErr ErrorWriter
}

func NewRBACMiddleware(auth *AdminAuthenticator, writeErr ErrorWriter) *RBACMiddleware {
	if writeErr == nil {
		writeErr = func(w http.ResponseWriter, status int, message string) {
			http.Error(w, message, status)
		}
	}
	return &RBACMiddleware{auth: auth, writeErr: writeErr}
}

func (m *RBACMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admin, err := m.auth.Authenticate(ExtractBearerToken(r))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			m.writeErr(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAdmin(r.Context(), admin)))
	})
}

func (m *RBACMiddleware) RequirePermission(permission Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			admin, ok := AdminFromContext(r.Context())
			if !ok {
				m.writeErr(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !HasPermission(admin.Role, permission) {
				m.writeErr(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ExtractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
