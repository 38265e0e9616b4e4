// Package gateway implements the authenticated detection pipeline: bearer
// token verification, per-token rate limiting, IP whitelisting, the call
// ledger and its aggregates, plus result callbacks.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/visionbox/gateway/internal/idgen"
	"github.com/visionbox/gateway/internal/logging"
	"github.com/visionbox/gateway/internal/metrics"
	"github.com/visionbox/gateway/internal/ratelimit"
	"github.com/visionbox/gateway/internal/services"
	"github.com/visionbox/gateway/internal/tokens"
)

// Context keys set by the pipeline for downstream handlers.
const (
	ctxService = "gw_service"
	ctxToken   = "gw_token"
	ctxCall    = "gw_call"
	ctxRate    = "gw_rate"
	ctxResult  = "gw_result"
)

// Headers never persisted to the call ledger.
var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"x-api-key":     true,
}

// ServiceRegistry is the view of the service catalog the pipeline needs.
type ServiceRegistry interface {
	GetLive(ctx context.Context, id string) (*services.PublishedService, error)
	RecordCall(ctx context.Context, id string, success bool) error
}

// TokenResolver matches a presented secret against a service's tokens and
// stamps usage on admitted requests.
type TokenResolver interface {
	Resolve(ctx context.Context, serviceID, secret string) (*tokens.Token, error)
	RecordUse(ctx context.Context, tokenID, clientIP string) error
}

// CallAnnouncer receives completed call events for live observers.
type CallAnnouncer interface {
	AnnounceCall(call *Call)
}

// Pipeline guards the detect endpoint. Every admitted request gets a ledger
// record exactly once, whether the handler succeeds, fails, or panics.
type Pipeline struct {
	registry  ServiceRegistry
	resolver  TokenResolver
	limiter   ratelimit.Limiter
	calls     CallStore
	dispatch  *CallbackDispatcher
	announcer CallAnnouncer
	window    time.Duration
	now       func() time.Time
}

// NewPipeline wires the pipeline. dispatch and announcer may be nil.
func NewPipeline(registry ServiceRegistry, resolver TokenResolver, limiter ratelimit.Limiter, calls CallStore, dispatch *CallbackDispatcher, announcer CallAnnouncer, window time.Duration) *Pipeline {
	if window <= 0 {
		window = time.Minute
	}
	return &Pipeline{
		registry:  registry,
		resolver:  resolver,
		limiter:   limiter,
		calls:     calls,
		dispatch:  dispatch,
		announcer: announcer,
		window:    window,
		now:       time.Now,
	}
}

// Middleware runs the admission checks in order: bearer auth, service state,
// rate limit, IP whitelist. Rejections return immediately and write no
// ledger record; admitted calls are finalized and persisted after the
// handler, even if it panics.
func (p *Pipeline) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		serviceID := c.Param("id")
		ip := clientIP(c)

		secret, ok := bearerSecret(c)
		if !ok {
			p.reject(c, http.StatusUnauthorized, CodeInvalidToken, "invalid access token")
			return
		}

		service, err := p.registry.GetLive(c.Request.Context(), serviceID)
		if err != nil {
			p.reject(c, http.StatusUnauthorized, CodeInvalidToken, "invalid access token")
			return
		}

		token, err := p.resolver.Resolve(c.Request.Context(), serviceID, secret)
		if err != nil {
			p.reject(c, http.StatusUnauthorized, CodeInvalidToken, "invalid access token")
			return
		}

		if !service.Callable() {
			p.reject(c, http.StatusForbidden, CodeServiceDisabled, "service is disabled")
			return
		}

		limit := effectiveLimit(token, service)
		key := "service:" + serviceID + ":token:" + token.ID
		rate, err := p.limiter.Admit(c.Request.Context(), key, limit, p.window)
		if err != nil {
			logging.L(c.Request.Context()).Error("rate limiter unavailable", "error", err)
			p.reject(c, http.StatusInternalServerError, CodeAuthError, "service authentication failed")
			return
		}
		if !rate.Allowed {
			metrics.RateLimitDecisionsTotal.WithLabelValues("denied").Inc()
			setRateHeaders(c, rate, limit)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"code":  CodeRateLimitExceeded,
				"rate_limit": gin.H{
					"limit":     rate.Limit,
					"remaining": rate.Remaining,
					"reset":     rate.ResetAt.Unix(),
					"current":   rate.Current,
				},
			})
			metrics.GatewayRejectionsTotal.WithLabelValues(strings.ToLower(CodeRateLimitExceeded)).Inc()
			return
		}
		metrics.RateLimitDecisionsTotal.WithLabelValues("allowed").Inc()

		if len(token.IPWhitelist) > 0 && !ipAllowed(ip, token.IPWhitelist) {
			p.reject(c, http.StatusForbidden, CodeIPNotAllowed, "client IP is not whitelisted")
			return
		}

		// Usage is stamped only after every admission check has passed, so
		// denied calls never count against the token.
		if err := p.resolver.RecordUse(c.Request.Context(), token.ID, ip); err != nil {
			logging.L(c.Request.Context()).Warn("failed to record token use",
				"token_id", token.ID, "error", err)
		}

		call := p.openCall(c, service, token, ip)
		c.Set(ctxService, service)
		c.Set(ctxToken, token)
		c.Set(ctxCall, call)
		c.Set(ctxRate, rate)

		// Headers must be staged before the handler flushes the body.
		setRateHeaders(c, rate, limit)

		start := p.now()
		defer p.finalize(c, service, call, start)

		c.Next()
	}
}

// finalize closes the ledger record from whatever the handler (or a panic)
// left behind, persists it, bumps aggregates, and dispatches the callback.
func (p *Pipeline) finalize(c *gin.Context, service *services.PublishedService, call *Call, start time.Time) {
	now := p.now()
	elapsed := now.Sub(start).Seconds()

	if r := recover(); r != nil {
		logging.L(c.Request.Context()).Error("detect handler panicked",
			"service_id", service.ID, "panic", r)
		if !call.Finalized() {
			_ = call.Fail(CodeInternalError, "internal server error", http.StatusInternalServerError, elapsed, now)
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal server error",
			"code":  CodeInternalError,
		})
	} else if !call.Finalized() {
		status := c.Writer.Status()
		if status >= 200 && status < 400 {
			_ = call.Complete(status, call.DetectionCount, elapsed, now)
		} else {
			_ = call.Fail(CodeInternalError, "request failed", status, elapsed, now)
		}
	}

	// Persist on a detached context so client disconnects cannot lose the
	// audit record.
	ctx := context.WithoutCancel(c.Request.Context())
	if err := p.calls.Insert(ctx, call); err != nil {
		logging.L(ctx).Error("failed to persist call record",
			"call_id", call.ID, "service_id", service.ID, "error", err)
	}
	if err := p.registry.RecordCall(ctx, service.ID, call.Success); err != nil {
		logging.L(ctx).Error("failed to bump service counters",
			"service_id", service.ID, "error", err)
	}

	outcome := "success"
	if !call.Success {
		outcome = "failure"
	}
	metrics.GatewayCallsTotal.WithLabelValues(service.ID, outcome).Inc()
	metrics.GatewayCallDuration.WithLabelValues(service.ID).Observe(call.ProcessingTime)

	if p.announcer != nil {
		p.announcer.AnnounceCall(call)
	}
	if p.dispatch != nil && call.CallbackURL != "" {
		var result interface{}
		if v, ok := c.Get(ctxResult); ok {
			result = v
		}
		p.dispatch.Dispatch(ctx, call, result)
	}
}

func (p *Pipeline) openCall(c *gin.Context, service *services.PublishedService, token *tokens.Token, ip string) *Call {
	requestID := logging.RequestID(c.Request.Context())
	if requestID == "" {
		requestID = idgen.New()
	}
	return &Call{
		ID:             idgen.WithPrefix("call_"),
		ServiceID:      service.ID,
		TokenID:        token.ID,
		RequestID:      requestID,
		ClientIP:       ip,
		UserAgent:      c.Request.UserAgent(),
		Referer:        c.Request.Referer(),
		HTTPMethod:     c.Request.Method,
		RequestPath:    c.Request.URL.Path,
		RequestHeaders: safeHeaders(c.Request.Header),
		ModelUsed:      service.ModelName,
		Confidence:     service.ConfidenceThreshold,
		CreatedAt:      p.now(),
	}
}

func (p *Pipeline) reject(c *gin.Context, status int, code, message string) {
	metrics.GatewayRejectionsTotal.WithLabelValues(strings.ToLower(code)).Inc()
	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": code})
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// ServiceFrom returns the service the pipeline admitted the request for.
func ServiceFrom(c *gin.Context) *services.PublishedService {
	v, ok := c.Get(ctxService)
	if !ok {
		return nil
	}
	return v.(*services.PublishedService)
}

// TokenFrom returns the token that authenticated the request.
func TokenFrom(c *gin.Context) *tokens.Token {
	v, ok := c.Get(ctxToken)
	if !ok {
		return nil
	}
	return v.(*tokens.Token)
}

// CallFrom returns the open ledger record for the request.
func CallFrom(c *gin.Context) *Call {
	v, ok := c.Get(ctxCall)
	if !ok {
		return nil
	}
	return v.(*Call)
}

func bearerSecret(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	secret := strings.TrimPrefix(header, "Bearer ")
	if secret == header || secret == "" {
		return "", false
	}
	return secret, true
}

// clientIP prefers the first hop of X-Forwarded-For, then X-Real-IP, then
// the transport peer.
func clientIP(c *gin.Context) string {
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	if ip := c.GetHeader("X-Real-IP"); ip != "" {
		return ip
	}
	return c.ClientIP()
}

// effectiveLimit resolves the per-minute limit: a parseable token override
// wins, anything else falls back to the service limit.
func effectiveLimit(token *tokens.Token, service *services.PublishedService) int {
	if token.RateLimitOverride != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(token.RateLimitOverride)); err == nil && n > 0 {
			return n
		}
	}
	return service.RateLimit
}

func ipAllowed(ip string, whitelist []string) bool {
	for _, allowed := range whitelist {
		if ip == allowed {
			return true
		}
	}
	return false
}

func setRateHeaders(c *gin.Context, rate ratelimit.Result, limit int) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(rate.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(rate.ResetAt.Unix(), 10))
}

func safeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if sensitiveHeaders[strings.ToLower(name)] {
			continue
		}
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
