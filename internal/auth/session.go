package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AnonymousPrefix marks identities derived from the client address.
const AnonymousPrefix = "anon:"

// Identity is who is calling the proxy. Anonymous callers get a stable id per client
// address so that quota and rate limits still apply to them.
type Identity struct {
	UserID    string
	Anonymous bool
}

// SessionVerifier checks HS256 session tokens issued by the web app. The user id is
// the sub claim.
type SessionVerifier struct {
	secret []byte
	leeway time.Duration
}

func NewSessionVerifier(secret string) *SessionVerifier {
	return &SessionVerifier{secret: []byte(secret), leeway: 30 * time.Second}
}

func (v *SessionVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(v.leeway), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return sub, nil
}

// IssueSession signs a session token. The web app issues them in production; this is
// used by tests and the CLI's local mode.
func IssueSession(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

const identityContextKey contextKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityContextKey).(Identity)
	return id
}

// Identify attaches an Identity to every request. A missing or invalid session token
// makes the caller anonymous; it never rejects the request. verifier may be nil, in
// which case every caller is anonymous.
func Identify(verifier *SessionVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := Identity{UserID: AnonymousPrefix + ClientIP(r), Anonymous: true}
			if token := ExtractBearerToken(r); token != "" && verifier != nil {
				if userID, err := verifier.Verify(token); err == nil {
					id = Identity{UserID: userID}
				} else {
					slog.Debug("session token rejected, treating caller as anonymous", "error", err)
				}
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// ClientIP is the first X-Forwarded-For hop, or the connection's remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
