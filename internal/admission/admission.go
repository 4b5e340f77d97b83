package admission

import (
	"net/http"
	"time"

	"github.com/flyingrobots/spell-dispatcher/internal/apierr"
	"github.com/flyingrobots/spell-dispatcher/internal/config"
	"github.com/flyingrobots/spell-dispatcher/internal/obs"
)

// InFlightCounter is satisfied by the lifecycle engine; admission never
// touches the job index directly, it only reads these counts.
type InFlightCounter interface {
	CountInFlight() int
	CountInFlightForTenant(tenant string) int
}

// Layer bundles the admission checks a POST /spell-executions request must
// pass before reaching the lifecycle engine: auth, per-IP and per-tenant
// rate limits, and global/tenant concurrency caps.
type Layer struct {
	auth       *Authenticator
	ipLimiter  *SlidingWindow
	tenantLim  *SlidingWindow
	cfg        *config.Config
}

// New builds a Layer from config.
func New(cfg *config.Config) (*Layer, error) {
	auth, err := NewAuthenticator(cfg)
	if err != nil {
		return nil, err
	}
	return &Layer{
		auth:      auth,
		ipLimiter: NewSlidingWindow(cfg.RateLimitWindow(), cfg.RateLimitMaxRequests),
		tenantLim: NewSlidingWindow(cfg.TenantRateLimitWindow(), cfg.TenantRateLimitMaxRequests),
		cfg:       cfg,
	}, nil
}

// Authorize validates the bearer credential on the request.
func (l *Layer) Authorize(r *http.Request) AuthContext {
	return l.auth.Authorize(r)
}

// CheckRate applies the per-IP then per-tenant sliding-window limits.
func (l *Layer) CheckRate(r *http.Request, tenant string, now time.Time) *apierr.Error {
	ip := clientIP(r)
	if !l.ipLimiter.Allow(ip, now) {
		obs.RateLimitRejections.WithLabelValues("ip").Inc()
		obs.ExecutionsRejected.WithLabelValues("rate_limited_ip").Inc()
		return apierr.New(http.StatusTooManyRequests, apierr.CodeRateLimited, "per-IP rate limit exceeded")
	}
	if !l.tenantLim.Allow(tenant, now) {
		obs.RateLimitRejections.WithLabelValues("tenant").Inc()
		obs.ExecutionsRejected.WithLabelValues("rate_limited_tenant").Inc()
		return apierr.New(http.StatusTooManyRequests, apierr.CodeTenantRateLimited, "per-tenant rate limit exceeded")
	}
	return nil
}

// CheckConcurrency applies the global then per-tenant in-flight caps.
func (l *Layer) CheckConcurrency(counter InFlightCounter, tenant string) *apierr.Error {
	if counter.CountInFlight() >= l.cfg.MaxConcurrentExecutions {
		obs.ExecutionsRejected.WithLabelValues("concurrency_global").Inc()
		return apierr.New(http.StatusTooManyRequests, apierr.CodeConcurrencyLimited, "global concurrency limit reached")
	}
	if counter.CountInFlightForTenant(tenant) >= l.cfg.TenantMaxConcurrentExecutions {
		obs.ExecutionsRejected.WithLabelValues("concurrency_tenant").Inc()
		return apierr.New(http.StatusTooManyRequests, apierr.CodeTenantConcurrencyLimited, "tenant concurrency limit reached")
	}
	return nil
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		for i, c := range ip {
			if c == ',' {
				return ip[:i]
			}
		}
		return ip
	}
	return r.RemoteAddr
}
