// Package webhook implements the intake boundary: signature verification,
// durable delivery dedup, per-source rate limiting, schema validation, and
// asynchronous dispatch to event processors.
package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/pkg/metrics"
	"github.com/flakeguard/flakeguard/internal/repository"
)

const (
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerSignature = "X-Hub-Signature-256"

	maxPayloadBytes = 25 << 20
)

// Handler terminates webhook POSTs. Accepted deliveries are acknowledged
// with 200 before processing; the upstream never sees processing failures.
type Handler struct {
	secret     string
	deliveries repository.DeliveryRepository
	pool       *Pool
	routes     map[string]ProcessFunc
	logger     *slog.Logger

	ratePerMin int
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewHandler wires the intake pipeline. ratePerMin is the per-source token
// bucket capacity over a one-minute window.
func NewHandler(secret string, deliveries repository.DeliveryRepository, pool *Pool, ratePerMin int, logger *slog.Logger) *Handler {
	if ratePerMin <= 0 {
		ratePerMin = 1000
	}
	return &Handler{
		secret:     secret,
		deliveries: deliveries,
		pool:       pool,
		routes:     make(map[string]ProcessFunc),
		logger:     logger,
		ratePerMin: ratePerMin,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Register binds a processor to an event kind. Not safe for concurrent use;
// call during wiring only.
func (h *Handler) Register(kind string, fn ProcessFunc) {
	h.routes[kind] = fn
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respond(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		respond(w, http.StatusBadRequest, "unreadable body")
		return
	}

	sig := r.Header.Get(headerSignature)
	if sig == "" {
		respond(w, http.StatusUnauthorized, "missing signature")
		return
	}
	kind := r.Header.Get(headerEvent)
	if kind == "" {
		respond(w, http.StatusBadRequest, "missing event kind")
		return
	}
	deliveryID := r.Header.Get(headerDelivery)
	if deliveryID == "" {
		respond(w, http.StatusBadRequest, "missing delivery id")
		return
	}

	if !githubapp.VerifySignature(payload, sig, h.secret) {
		h.logger.Warn("webhook signature rejected", "delivery_id", deliveryID, "event", kind)
		respond(w, http.StatusUnauthorized, "Invalid webhook signature")
		return
	}

	if seen, err := h.deliveries.HasDelivery(r.Context(), deliveryID); err != nil {
		h.logger.Error("delivery lookup failed", "delivery_id", deliveryID, "error", err)
		respond(w, http.StatusServiceUnavailable, "store unavailable")
		return
	} else if seen {
		metrics.WebhooksDedupedTotal.Inc()
		respond(w, http.StatusOK, "already processed")
		return
	}

	if !h.limiter(sourceOf(r)).Allow() {
		respond(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if ackOnlyKinds[kind] {
		metrics.WebhooksIgnoredTotal.WithLabelValues("unhandled").Inc()
		respond(w, http.StatusOK, "event acknowledged")
		return
	}

	fn, supported := h.routes[kind]
	if !supported {
		metrics.WebhooksIgnoredTotal.WithLabelValues("unsupported").Inc()
		respond(w, http.StatusOK, "event kind not supported")
		return
	}

	ev, err := Decode(kind, deliveryID, payload)
	if err != nil {
		// A 200 here is deliberate: the upstream retries non-2xx forever.
		h.logger.Warn("webhook payload rejected", "delivery_id", deliveryID, "event", kind, "error", err)
		metrics.WebhooksIgnoredTotal.WithLabelValues("malformed").Inc()
		respond(w, http.StatusOK, "received but could not be processed")
		return
	}

	if _, err := h.deliveries.RecordDelivery(r.Context(), &models.DeliveryRecord{
		DeliveryID: deliveryID,
		EventKind:  kind,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		h.logger.Error("failed to record delivery", "delivery_id", deliveryID, "error", err)
		respond(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	if err := h.pool.Submit(r.Context(), ev, fn, isHighPriority(ev)); err != nil {
		h.logger.Error("failed to enqueue delivery", "delivery_id", deliveryID, "error", err)
		respond(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	metrics.WebhooksReceivedTotal.WithLabelValues(kind).Inc()
	respond(w, http.StatusOK, "processed")
}

// isHighPriority routes user-initiated check actions ahead of bulk CI traffic.
func isHighPriority(ev *Event) bool {
	return ev.Kind == EventCheckRun && ev.Action == "requested_action"
}

// limiter returns the token bucket for a source address, creating it on
// first sight. Buckets refill continuously at capacity-per-minute.
func (h *Handler) limiter(source string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[source]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(h.ratePerMin)/60.0), h.ratePerMin)
		h.limiters[source] = l
	}
	return l
}

func sourceOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ackOnlyKinds are event kinds accepted and acknowledged without
// processing; no processor semantics exist for them.
var ackOnlyKinds = map[string]bool{
	EventCheckSuite:  true,
	EventPush:        true,
	EventPullRequest: true,
	EventIssues:      true,
}

// webhookAck is the intake response body: {success, message} on 2xx and
// {error} otherwise.
type webhookAck struct {
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respond(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := webhookAck{}
	if status < http.StatusBadRequest {
		body.Success = true
		body.Message = message
	} else {
		body.Error = message
	}
	json.NewEncoder(w).Encode(body)
}
