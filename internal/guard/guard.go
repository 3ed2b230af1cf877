package guard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"fibertrack/internal/config"
)

type Kind string

const (
	KindRateLimited      Kind = "rate_limited"
	KindForbidden        Kind = "forbidden"
	KindInvalidSignature Kind = "invalid_signature"
	KindStaleTimestamp   Kind = "stale_timestamp"
	KindMisconfigured    Kind = "misconfigured"
)

func (k Kind) HTTPStatus() int {
	switch k {
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindForbidden:
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// Rejection is returned for every boundary refusal; it never has side effects.
type Rejection struct {
	Kind   Kind
	Reason string
}

func (r *Rejection) Error() string {
	return string(r.Kind) + ": " + r.Reason
}

func reject(kind Kind, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

type settings struct {
	allowlist *Allowlist
	sig       config.SignatureConfig
}

type Guard struct {
	limiter  RateLimiter
	settings atomic.Pointer[settings]
	now      func() time.Time
}

func New(cfg config.WebhookConfig, limiter RateLimiter) (*Guard, error) {
	g := &Guard{limiter: limiter, now: time.Now}
	if err := g.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Guard) UpdateConfig(cfg config.WebhookConfig) error {
	allow, err := NewAllowlist(cfg.Allowlist)
	if err != nil {
		return err
	}
	g.settings.Store(&settings{allowlist: allow, sig: cfg.Signature})
	return nil
}

// Admit applies the per-IP rate limit and then the allowlist.
func (g *Guard) Admit(ctx context.Context, ip string) error {
	if g.limiter != nil {
		ok, err := g.limiter.Allow(ctx, ip)
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if !ok {
			return reject(KindRateLimited, "too many requests from %s", ip)
		}
	}
	if !g.settings.Load().allowlist.Permits(ip) {
		return reject(KindForbidden, "source %s not in allowlist", ip)
	}
	return nil
}

// Verify checks the vendor's HMAC signature and timestamp skew over the raw body.
func (g *Guard) Verify(vendor string, header http.Header, body []byte) error {
	sig := g.settings.Load().sig
	secret := sig.Secrets[vendor]
	if secret == "" {
		if sig.Optional {
			return nil
		}
		return reject(KindMisconfigured, "no signing secret configured for %s", vendor)
	}
	provided := extractSignature(vendor, header)
	if provided == "" {
		return reject(KindInvalidSignature, "missing signature")
	}
	rawTS := strings.TrimSpace(header.Get(HeaderTimestamp))
	if rawTS == "" && sig.RequireTimestamp {
		return reject(KindStaleTimestamp, "missing timestamp")
	}
	if rawTS != "" {
		ts, ok := ParseTimestamp(rawTS)
		if !ok {
			return reject(KindStaleTimestamp, "unparseable timestamp %q", rawTS)
		}
		if sig.MaxSkew > 0 {
			skew := g.now().Sub(ts)
			if skew < 0 {
				skew = -skew
			}
			if skew > sig.MaxSkew {
				return reject(KindStaleTimestamp, "timestamp skew %s exceeds %s", skew.Round(time.Second), sig.MaxSkew)
			}
		}
	}
	if !signatureMatches(secret, rawTS, body, provided) {
		return reject(KindInvalidSignature, "signature mismatch")
	}
	return nil
}

// Check runs every guard stage in order: rate limit, allowlist, signature.
func (g *Guard) Check(ctx context.Context, vendor, ip string, header http.Header, body []byte) error {
	if err := g.Admit(ctx, ip); err != nil {
		return err
	}
	return g.Verify(vendor, header, body)
}

// ClientIP prefers proxy headers only when the deployment says they can be trusted.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
			return xr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
