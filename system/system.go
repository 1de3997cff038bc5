package system

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yaswantsoni1128/webd/config"
	"github.com/yaswantsoni1128/webd/contact"
	"github.com/yaswantsoni1128/webd/greylist"
	"github.com/yaswantsoni1128/webd/mailer"
)

// pages rendered from the templates dir, each with all partials
var pages = []string{"index.html"}

const statsFlushInterval = 30 * time.Second

type System struct {
	config config.Config
	log    zerolog.Logger
	t1     time.Time

	hits    atomic.Uint64 // since boot
	fmu     sync.Mutex
	flushed uint64 // hits already added to the store

	tmu       sync.RWMutex
	templates map[string]*template.Template

	store    *Store
	metrics  *Metrics
	greylist *greylist.List
	contact  *contact.Handler
}

// Option customizes New.
type Option func(*options)

type options struct {
	relay    mailer.Relay
	relaySet bool
}

// WithRelay replaces the relay built from config. A nil relay disables
// dispatch.
func WithRelay(r mailer.Relay) Option {
	return func(o *options) {
		o.relay = r
		o.relaySet = true
	}
}

// New parses templates, opens the stats store and builds the contact
// handler. The config must have passed config.CheckConfig.
func New(cfg config.Config, log zerolog.Logger, opts ...Option) (*System, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	s := &System{
		config:  cfg,
		log:     log,
		t1:      time.Now(),
		metrics: NewMetrics(),
	}
	if err := s.ReloadTemplates(); err != nil {
		return nil, err
	}
	if cfg.Sec.Database != "" {
		store, err := OpenStore(cfg.Sec.Database)
		if err != nil {
			return nil, fmt.Errorf("opening stats database: %w", err)
		}
		s.store = store
		log.Info().Str("file", cfg.Sec.Database).Msg("opened stats database")
	}

	relay := o.relay
	if !o.relaySet && cfg.Relay.Configured() {
		relay = mailer.NewSMTP(mailer.SMTPConfig{
			Host:     cfg.Relay.Host,
			Port:     cfg.Relay.Port,
			Username: cfg.Relay.Username,
			Password: cfg.Relay.Password,
			SSL:      cfg.Relay.SSL,
		}, log)
	}
	if relay == nil {
		log.Warn().Msg("contact form relay disabled")
	} else {
		log.Info().Str("host", cfg.Relay.Host).Int("port", cfg.Relay.Port).Msg("contact form relay enabled")
	}
	s.contact = contact.NewHandler(relay, contact.Options{
		From:     cfg.Relay.Sender(),
		To:       cfg.Relay.To,
		Timeout:  cfg.Relay.Timeout(),
		Observer: s,
		Striker:  s,
	}, log)
	return s, nil
}

func (s *System) ReloadTemplates() error {
	t1 := time.Now()
	dir := s.config.Meta.PathTemplates
	partials, err := filepath.Glob(filepath.Join(dir, "_partials", "*.html"))
	if err != nil {
		return fmt.Errorf("couldn't enumerate partial templates: %w", err)
	}
	templates := make(map[string]*template.Template, len(pages))
	for _, name := range pages {
		t, err := template.New(name).ParseFiles(append([]string{filepath.Join(dir, name)}, partials...)...)
		if err != nil {
			return fmt.Errorf("couldn't parse template %q: %w", name, err)
		}
		templates[name] = t
	}
	s.tmu.Lock()
	s.templates = templates
	s.tmu.Unlock()
	s.log.Debug().Int("templates", len(templates)).Int("partials", len(partials)).Dur("took", time.Since(t1)).Msg("parsed templates")
	return nil
}

func (s *System) template(name string) (*template.Template, bool) {
	s.tmu.RLock()
	defer s.tmu.RUnlock()
	t, ok := s.templates[name]
	return t, ok
}

// SetGreylist protects the contact endpoint with g. Blocked clients get the
// endpoint's JSON result.
func (s *System) SetGreylist(g *greylist.List) {
	g.SetDenyHandler(s.contactDenied)
	s.greylist = g
}

func (s *System) contactDenied(w http.ResponseWriter, r *http.Request, until time.Time) {
	msg := "You have been blocked"
	if !until.IsZero() {
		msg = fmt.Sprintf("Too many invalid requests, try again in %s", s.greylist.Remaining(until))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	if err := json.NewEncoder(w).Encode(contact.Result{Message: msg}); err != nil {
		s.log.Warn().Err(err).Msg("writing denied response")
	}
}

func (s *System) Config() config.Config {
	return s.config.Masked()
}

// ContactHandler is the contact form endpoint without any wrapping.
func (s *System) ContactHandler() http.Handler {
	return s.contact
}

// Observe records a contact outcome in metrics and the stats store.
func (s *System) Observe(o contact.Outcome, took time.Duration) {
	s.metrics.Submission(o, took)
	if s.store == nil {
		return
	}
	if err := s.store.Add(submissionKey(o), 1); err != nil {
		s.log.Error().Err(err).Str("outcome", string(o)).Msg("recording outcome")
	}
}

// Strike counts an abusive request against its client.
func (s *System) Strike(r *http.Request) {
	if s.greylist == nil {
		s.log.Debug().Msg("no greylist instance to add strikes")
		return
	}
	s.greylist.Strike(r)
}

// Run flushes stats and refreshes the greylist until ctx is done.
func (s *System) Run(ctx context.Context) {
	if s.greylist != nil {
		go s.greylist.Run(ctx)
	}
	tick := time.NewTicker(statsFlushInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.flushHits()
		}
	}
}

func (s *System) flushHits() {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if s.store == nil {
		return
	}
	hits := s.hits.Load()
	if hits == s.flushed {
		return
	}
	if err := s.store.Add(keyHits, hits-s.flushed); err != nil {
		s.log.Error().Err(err).Msg("flushing hits")
		return
	}
	s.flushed = hits
}

// Close flushes pending stats and closes the database.
func (s *System) Close() error {
	s.flushHits()
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}
