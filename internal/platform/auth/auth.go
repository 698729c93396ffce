package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Config enables header authentication when InternalSecret is set. Callers
// sit behind a gateway that signs the identity headers with the shared secret.
type Config struct {
	InternalSecret string        `env:"RELEASEGATE_INTERNAL_AUTH_SECRET"`
	MaxSkew        time.Duration `env:"RELEASEGATE_INTERNAL_AUTH_MAX_SKEW" envDefault:"5m"`
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.InternalSecret) != ""
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if len(strings.TrimSpace(c.InternalSecret)) < 16 {
		return errors.New("RELEASEGATE_INTERNAL_AUTH_SECRET must be at least 16 characters")
	}
	if c.MaxSkew < 0 {
		return errors.New("RELEASEGATE_INTERNAL_AUTH_MAX_SKEW must be >= 0")
	}
	return nil
}

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// Actor is the name recorded in audit events for this identity.
func (i Identity) Actor() string {
	if email := strings.TrimSpace(i.Email); email != "" {
		return email
	}
	return strings.TrimSpace(i.Subject)
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
