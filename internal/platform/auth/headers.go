package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/releasegate/internal/platform/requestid"
)

const (
	HeaderSubject = "X-Releasegate-Subject"
	HeaderEmail   = "X-Releasegate-Email"
	HeaderRoles   = "X-Releasegate-Roles"

	HeaderTimestamp = "X-Releasegate-Auth-Ts"
	HeaderSignature = "X-Releasegate-Auth-Sig"
)

// SignedHeaders carries the identity a gateway forwards for one request.
type SignedHeaders struct {
	Timestamp string
	Method    string
	Path      string
	RequestID string
	Subject   string
	Email     string
	Roles     string
}

func (h SignedHeaders) canonical() string {
	parts := []string{
		strings.TrimSpace(h.Timestamp),
		strings.ToUpper(strings.TrimSpace(h.Method)),
		strings.TrimSpace(h.Path),
		strings.TrimSpace(h.RequestID),
		strings.TrimSpace(h.Subject),
		strings.TrimSpace(h.Email),
		strings.TrimSpace(h.Roles),
	}
	return strings.Join(parts, "\n")
}

func Sign(secret string, h SignedHeaders) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("internal auth secret is required")
	}
	if strings.TrimSpace(h.Timestamp) == "" {
		return "", errors.New("timestamp is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(h.canonical())); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func Verify(secret string, h SignedHeaders, signature string) error {
	expected, err := Sign(secret, h)
	if err != nil {
		return err
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errors.New("signature is required")
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid signature")
	}
	return nil
}

func verifyTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	parsed, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}
	tsTime := time.Unix(parsed, 0).UTC()
	if tsTime.After(now.Add(maxSkew)) || tsTime.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}

type HeadersAuthenticator struct {
	secret  string
	maxSkew time.Duration
	now     func() time.Time
}

func NewHeadersAuthenticator(cfg Config) (*HeadersAuthenticator, error) {
	if !cfg.Enabled() {
		return nil, errors.New("RELEASEGATE_INTERNAL_AUTH_SECRET is required")
	}
	return &HeadersAuthenticator{
		secret:  cfg.InternalSecret,
		maxSkew: cfg.MaxSkew,
		now:     time.Now,
	}, nil
}

// Authenticate returns ErrUnauthenticated when identity headers are absent and
// a descriptive error when they are present but do not verify.
func (a *HeadersAuthenticator) Authenticate(_ context.Context, r *http.Request) (Identity, error) {
	h := SignedHeaders{
		Timestamp: strings.TrimSpace(r.Header.Get(HeaderTimestamp)),
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: r.Header.Get(requestid.Header),
		Subject:   strings.TrimSpace(r.Header.Get(HeaderSubject)),
		Email:     strings.TrimSpace(r.Header.Get(HeaderEmail)),
		Roles:     strings.TrimSpace(r.Header.Get(HeaderRoles)),
	}
	sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if h.Subject == "" || h.Timestamp == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}
	if err := verifyTimestamp(h.Timestamp, a.now().UTC(), a.maxSkew); err != nil {
		return Identity{}, err
	}
	if err := Verify(a.secret, h, sig); err != nil {
		return Identity{}, err
	}
	return Identity{
		Subject: h.Subject,
		Email:   h.Email,
		Roles:   parseCSV(h.Roles),
	}, nil
}
