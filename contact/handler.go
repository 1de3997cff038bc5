package contact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yaswantsoni1128/webd/mailer"
)

const (
	MsgSent    = "Message sent successfully!"
	MsgInvalid = "Invalid form data"
	MsgFailed  = "Failed to send message"
)

// Outcome is how a submission ended.
type Outcome string

const (
	Rejected   Outcome = "rejected"   // failed validation
	Skipped    Outcome = "skipped"    // valid, relay not configured
	Dispatched Outcome = "dispatched" // handed to the relay
	Failed     Outcome = "failed"     // relay error
)

// Observer is told how each submission ended and how long it took.
type Observer interface {
	Observe(o Outcome, took time.Duration)
}

// Striker counts an abusive request against its client.
type Striker interface {
	Strike(r *http.Request)
}

// Options configure a Handler. To is the fixed operator address.
type Options struct {
	From     string
	To       string
	Timeout  time.Duration
	Observer Observer
	Striker  Striker
}

// Result is the JSON body of every response.
type Result struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors,omitempty"`
}

// DispatchError is a relay failure. The submission is dropped.
type DispatchError struct {
	Ref string
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Ref, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Handler serves POST requests carrying a Submission. A nil relay means
// the relay is not configured: valid submissions are accepted and dropped.
type Handler struct {
	relay mailer.Relay
	opts  Options
	log   zerolog.Logger
}

func NewHandler(relay mailer.Relay, opts Options, log zerolog.Logger) *Handler {
	return &Handler{
		relay: relay,
		opts:  opts,
		log:   log.With().Str("component", "contact").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.respond(w, http.StatusMethodNotAllowed, Result{Message: "Method not allowed"})
		return
	}
	t1 := time.Now()

	sub, err := Parse(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			h.log.Error().Err(err).Msg("parsing submission")
			h.observe(Failed, t1)
			h.respond(w, http.StatusInternalServerError, Result{Message: MsgFailed})
			return
		}
		// a person mistyping a field is not struck, only bodies no form
		// would send
		if h.opts.Striker != nil && verr.Malformed() {
			h.opts.Striker.Strike(r)
		}
		h.observe(Rejected, t1)
		h.log.Info().Str("outcome", string(Rejected)).Int("problems", len(verr.Errors)).Msg("contact submission")
		h.respond(w, http.StatusBadRequest, Result{Message: MsgInvalid, Errors: verr.Errors})
		return
	}

	outcome, err := h.Dispatch(r.Context(), sub)
	h.observe(outcome, t1)
	if err != nil {
		ev := h.log.Error().Err(err).Str("outcome", string(outcome)).Str("email", redactEmail(sub.Email))
		var derr *DispatchError
		if errors.As(err, &derr) {
			ev = ev.Str("ref", derr.Ref)
		}
		ev.Msg("contact submission")
		h.respond(w, http.StatusInternalServerError, Result{Message: MsgFailed})
		return
	}
	h.log.Info().Str("outcome", string(outcome)).Str("email", redactEmail(sub.Email)).Dur("took", time.Since(t1)).Msg("contact submission")
	h.respond(w, http.StatusOK, Result{Success: true, Message: MsgSent})
}

// Dispatch sends a validated submission to the operator. It sends nothing
// and reports Skipped when there is no relay.
func (h *Handler) Dispatch(ctx context.Context, sub *Submission) (Outcome, error) {
	if h.relay == nil {
		return Skipped, nil
	}
	ref := uuid.NewString()
	msg, err := sub.Mail(h.opts.From, h.opts.To, ref)
	if err != nil {
		return Failed, &DispatchError{Ref: ref, Err: err}
	}
	if h.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.Timeout)
		defer cancel()
	}
	if err := h.relay.Send(ctx, msg); err != nil {
		return Failed, &DispatchError{Ref: ref, Err: err}
	}
	return Dispatched, nil
}

func (h *Handler) observe(o Outcome, t1 time.Time) {
	if h.opts.Observer != nil {
		h.opts.Observer.Observe(o, time.Since(t1))
	}
}

func (h *Handler) respond(w http.ResponseWriter, status int, res Result) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.Warn().Err(err).Msg("writing response")
	}
}

// redactEmail masks the local part: "john.doe@example.com" -> "jo***@example.com"
func redactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return "***@***"
	}
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}
