package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/tenantbridge/tenantbridge/internal/audit"
)

// Outcome classifies what dispatching an event did.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result is the tagged outcome of a handler. Skipped results carry the
// reason for observability; both applied and skipped are delivery
// successes from the provider's point of view.
type Result struct {
	Outcome Outcome
	Reason  string
}

func Applied() Result              { return Result{Outcome: OutcomeApplied} }
func Skipped(reason string) Result { return Result{Outcome: OutcomeSkipped, Reason: reason} }

// HandlerFunc processes a single verified, parsed event.
type HandlerFunc func(ctx context.Context, ev *Event) (Result, error)

var eventsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Webhook events processed, by event type and outcome.",
	},
	[]string{"type", "outcome"},
)

// Router verifies incoming deliveries, deduplicates them, and dispatches
// them to the handler registered for their event type.
type Router struct {
	verifier *Verifier
	sync     *Synchronizer
	handlers map[string]HandlerFunc
}

func NewRouter(verifier *Verifier, sync *Synchronizer) *Router {
	r := &Router{
		verifier: verifier,
		sync:     sync,
		handlers: map[string]HandlerFunc{},
	}

	r.Register("user.created", sync.UserCreated)
	r.Register("user.updated", sync.UserUpdated)
	r.Register("organization.created", sync.OrganizationCreated)
	r.Register("organization.updated", sync.OrganizationUpdated)
	r.Register("organization.deleted", sync.OrganizationDeleted)
	r.Register("organizationMembership.created", sync.MembershipCreated)
	r.Register("organizationMembership.updated", sync.MembershipUpdated)
	r.Register("organizationMembership.deleted", sync.MembershipDeleted)
	r.Register("role.created", sync.RoleCreated)
	r.Register("role.updated", sync.RoleUpdated)
	r.Register("role.deleted", sync.RoleDeleted)
	r.Register("permission.created", sync.RoleCreated)
	r.Register("permission.updated", sync.RoleUpdated)
	r.Register("permission.deleted", sync.RoleDeleted)
	r.Register("email.created", sync.AuditOnly)
	r.Register("paymentAttempt.created", sync.AuditOnly)
	r.Register("paymentAttempt.updated", sync.AuditOnly)

	return r
}

// Register binds an event type to its handler, replacing any previous
// binding.
func (r *Router) Register(eventType string, h HandlerFunc) {
	r.handlers[eventType] = h
}

// Handler returns the HTTP endpoint for webhook deliveries.
//
// Status contract: signature failures are 401, malformed payloads are
// 400, missing references and handler errors are 500, everything else
// (applied, skipped, unknown event type) is 200 so the provider stops
// retrying.
func (r *Router) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		if err != nil {
			http.Error(w, "could not read body", http.StatusBadRequest)
			return
		}

		entry := audit.Log(req.Context())

		deliveryID := req.Header.Get("svix-id")
		err = r.verifier.Verify(
			deliveryID,
			req.Header.Get("svix-timestamp"),
			req.Header.Get("svix-signature"),
			body,
		)
		if err != nil {
			entry.Error = "signature verification failed"
			eventsProcessed.WithLabelValues("unknown", string(OutcomeFailed)).Inc()
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}

		ev, err := ParseEvent(deliveryID, body)
		if err != nil {
			entry.Error = err.Error()
			eventsProcessed.WithLabelValues("unknown", string(OutcomeFailed)).Inc()
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}

		entry.EventType = ev.Type
		entry.EventID = ev.ExternalEventID(r.sync.now)

		result, err := r.dispatch(req.Context(), ev)
		if err != nil {
			entry.Outcome = string(OutcomeFailed)
			entry.Error = err.Error()
			eventsProcessed.WithLabelValues(ev.Type, string(OutcomeFailed)).Inc()
			switch {
			case errors.Is(err, ErrMalformedEvent):
				log.Warn().Err(err).Str("type", ev.Type).Msg("malformed event")
				http.Error(w, "Invalid payload", http.StatusBadRequest)
			case errors.Is(err, ErrReferenceNotFound):
				log.Error().Err(err).Str("type", ev.Type).Msg("event references unknown entity")
				http.Error(w, "Referenced entity not found", http.StatusInternalServerError)
			default:
				log.Error().Err(err).Str("type", ev.Type).Msg("event handler failed")
				http.Error(w, "Internal error", http.StatusInternalServerError)
			}
			return
		}

		entry.Outcome = string(result.Outcome)
		eventsProcessed.WithLabelValues(ev.Type, string(result.Outcome)).Inc()
		w.WriteHeader(http.StatusOK)
	})
}

func (r *Router) dispatch(ctx context.Context, ev *Event) (Result, error) {
	handler, ok := r.handlers[ev.Type]
	if !ok {
		log.Info().Str("type", ev.Type).Msg("unhandled event type")
		return Skipped("unhandled event type"), nil
	}

	if r.sync.SeenBefore(ctx, ev) {
		log.Info().
			Str("type", ev.Type).
			Str("eventID", ev.ExternalEventID(r.sync.now)).
			Msg("duplicate delivery, skipping")
		return Skipped("duplicate delivery"), nil
	}

	return handler(ctx, ev)
}
