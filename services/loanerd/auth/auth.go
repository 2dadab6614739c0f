package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"loaner/crypto"
)

type contextKey struct{}

var (
	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("auth: bearer token required")
	// ErrInvalidToken covers every verification failure.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Options configure token verification and issuance.
type Options struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Verifier checks HS256 bearer tokens whose subject is the caller's address.
type Verifier struct {
	opts Options
	now  func() time.Time
}

func NewVerifier(opts Options) (*Verifier, error) {
	if len(opts.Secret) == 0 {
		return nil, fmt.Errorf("auth: secret required")
	}
	return &Verifier{opts: opts, now: time.Now}, nil
}

// Verify parses the token and returns the address it speaks for.
func (v *Verifier) Verify(token string) (crypto.Address, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.opts.Issuer))
	}
	if v.opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.opts.Audience))
	}
	if v.opts.Leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(v.opts.Leeway))
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.opts.Secret, nil
	}, parserOpts...)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	addr, err := crypto.DecodeAddress(claims.Subject)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return addr, nil
}

// Issue mints a token for subject valid for ttl.
func Issue(opts Options, subject crypto.Address, ttl time.Duration) (string, error) {
	if len(opts.Secret) == 0 {
		return "", fmt.Errorf("auth: secret required")
	}
	if subject.IsZero() {
		return "", fmt.Errorf("auth: subject required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject.String(),
		Issuer:    opts.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if opts.Audience != "" {
		claims.Audience = jwt.ClaimStrings{opts.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(opts.Secret)
}

// Middleware attaches the caller identity to the request context. Requests
// without a token pass through anonymously; a malformed or invalid token is
// rejected with onError.
func (v *Verifier) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			addr, err := v.VerifyHeader(header)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
		})
	}
}

// VerifyHeader verifies an Authorization header value of the form
// "Bearer <token>".
func (v *Verifier) VerifyHeader(header string) (crypto.Address, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return crypto.Address{}, ErrMissingToken
	}
	token := parseBearerToken(header)
	if token == "" {
		return crypto.Address{}, ErrInvalidToken
	}
	return v.Verify(token)
}

// WithCaller stores the authenticated address in ctx.
func WithCaller(ctx context.Context, addr crypto.Address) context.Context {
	return context.WithValue(ctx, contextKey{}, addr)
}

// Caller returns the authenticated address, if any.
func Caller(ctx context.Context) (crypto.Address, bool) {
	addr, ok := ctx.Value(contextKey{}).(crypto.Address)
	return addr, ok && !addr.IsZero()
}

func parseBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
