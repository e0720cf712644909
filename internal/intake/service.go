package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultExtractTimeout bounds one describe run, directory wait included.
const DefaultExtractTimeout = 90 * time.Second

// ServiceHooks are optional callbacks for service-level events.
type ServiceHooks struct {
	OnDescribe   func(result string)
	OnResolution func(outcome Outcome)
	OnSessions   func(active int)
}

// Deps are the collaborators of a Service. Extractor, Resolver, Submitter
// and Sessions are required.
type Deps struct {
	Sessions  SessionStore
	Tickets   TicketLog
	Extractor *Extractor
	Resolver  *Resolver
	Submitter *Submitter
	Directory Readiness
	Notifier  Notifier
	Logger    log.Logger
	Observer  Observer
	Hooks     ServiceHooks

	// Preflight reports ErrNotConfigured (wrapped) when credentials are
	// missing. Nil means always configured.
	Preflight func() error

	DefaultModel   string
	ExtractTimeout time.Duration
}

// Service is the business boundary for ticket intake.
type Service struct {
	sessions  SessionStore
	tickets   TicketLog
	extractor *Extractor
	resolver  *Resolver
	submitter *Submitter
	dir       Readiness
	notifier  Notifier
	logger    log.Logger
	observer  Observer
	hooks     ServiceHooks
	preflight func() error

	defaultModel string
	timeout      time.Duration
}

// NewService creates a new intake service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.ExtractTimeout <= 0 {
		d.ExtractTimeout = DefaultExtractTimeout
	}
	return &Service{
		sessions:     d.Sessions,
		tickets:      d.Tickets,
		extractor:    d.Extractor,
		resolver:     d.Resolver,
		submitter:    d.Submitter,
		dir:          d.Directory,
		notifier:     d.Notifier,
		logger:       d.Logger,
		observer:     d.Observer,
		hooks:        d.Hooks,
		preflight:    d.Preflight,
		defaultModel: d.DefaultModel,
		timeout:      d.ExtractTimeout,
	}
}

// DefaultModel returns the model used when a describe names none.
func (s *Service) DefaultModel() string { return s.defaultModel }

// NewSession opens an idle session.
func (s *Service) NewSession(ctx context.Context) (View, error) {
	sess := NewSession(ulid.Make().String(), s.observer)
	if err := s.sessions.Put(ctx, sess); err != nil {
		return View{}, err
	}
	s.reportSessions(ctx)
	s.logger.Info(ctx, "session opened", "session_id", sess.ID())
	return sess.View(), nil
}

// Session returns a live session.
func (s *Service) Session(ctx context.Context, id string) (*Session, error) {
	sess, ok, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// View returns a presentation copy of a session.
func (s *Service) View(ctx context.Context, id string) (View, error) {
	sess, err := s.Session(ctx, id)
	if err != nil {
		return View{}, err
	}
	return sess.View(), nil
}

// Describe accepts a description and starts extraction and resolution in
// the background. The returned view is in awaiting_extraction.
func (s *Service) Describe(ctx context.Context, id, description, model string) (View, error) {
	sess, err := s.Session(ctx, id)
	if err != nil {
		return View{}, err
	}

	description = strings.TrimSpace(description)
	if description == "" {
		s.describeHook("invalid")
		return View{}, &ValidationError{Field: "description", Message: "Please enter a ticket description."}
	}
	if model == "" {
		model = s.defaultModel
	}
	if model == "" {
		s.describeHook("invalid")
		return View{}, &ValidationError{Field: "model", Message: "Please select an AI model."}
	}
	if s.preflight != nil {
		if err := s.preflight(); err != nil {
			s.describeHook("not_configured")
			return View{}, err
		}
	}

	gen, err := sess.BeginExtraction(description, model)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			s.describeHook("busy")
		}
		return View{}, err
	}
	s.describeHook("accepted")

	// the run outlives the request; only the session pointer and generation are shared.
	go s.run(context.WithoutCancel(ctx), sess, gen, description, model)

	return sess.View(), nil
}

func (s *Service) run(ctx context.Context, sess *Session, gen uint64, description, model string) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	L := s.logger.With("session_id", sess.ID(), "generation", gen, "model", model)
	start := time.Now()

	rec, err := s.extractor.Extract(ctx, description, model)
	if err != nil {
		L.Error(ctx, err, "extraction failed")
		sess.ExtractionFailed(gen, err)
		return
	}

	if strings.TrimSpace(rec.User) == "" {
		if names := FallbackNames(description); len(names) > 0 {
			L.Info(ctx, "using fallback name", "user", names[0], "candidates", len(names))
			rec.User = names[0]
		}
	}

	if !sess.ExtractionDone(gen, rec) {
		L.Info(ctx, "dropping stale extraction")
		return
	}

	res, err := s.resolve(ctx, L, sess, gen, rec)
	if err != nil {
		L.Error(ctx, err, "resolution failed")
		sess.ResolutionFailed(gen, err)
		return
	}
	if s.hooks.OnResolution != nil {
		s.hooks.OnResolution(res.Outcome)
	}
	if !sess.ResolutionDone(gen, res) {
		L.Info(ctx, "dropping stale resolution", "outcome", res.Outcome)
		return
	}

	L.Info(ctx, "description resolved",
		"outcome", res.Outcome,
		"candidates", len(res.Candidates),
		"self_reference", res.SelfReference,
		"duration", time.Since(start),
	)

	if res.Customer != nil && res.Contact != nil {
		s.loadAssets(ctx, sess)
	}
}

// resolve runs the resolver, waiting for the directory when it has not
// loaded yet.
func (s *Service) resolve(ctx context.Context, L log.Logger, sess *Session, gen uint64, rec *ExtractedRecord) (*Resolution, error) {
	for {
		res, err := s.resolver.Resolve(ctx, *rec)
		if err != nil {
			return nil, err
		}
		if res.Outcome != OutcomeNotReady {
			return res, nil
		}
		if s.dir == nil {
			return nil, fmt.Errorf("resolve: %s", res.Message)
		}
		if !sess.Waiting(gen, res.Message) {
			return nil, fmt.Errorf("session moved on while waiting for directory")
		}
		L.Info(ctx, "waiting for directory")
		if err := s.dir.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// loadAssets lists the assets of the session's organization and installs
// them. Failures leave the asset list empty.
func (s *Service) loadAssets(ctx context.Context, sess *Session) {
	customerID, gen := sess.AssetTarget()
	if customerID == 0 {
		return
	}
	choice, err := s.resolver.Assets(ctx, customerID, sess.ComputerReference())
	if err != nil {
		s.logger.Warn(ctx, "asset listing failed", "error", err, "session_id", sess.ID(), "customer_id", customerID)
		choice = &AssetChoice{}
	}
	sess.SetAssets(gen, customerID, choice)
}

// Choose picks candidate index (zero based) of a disambiguating session.
func (s *Service) Choose(ctx context.Context, id string, index int) (View, error) {
	sess, err := s.Session(ctx, id)
	if err != nil {
		return View{}, err
	}
	cand, err := sess.Candidate(index)
	if err != nil {
		return View{}, err
	}
	contacts, err := s.resolver.CandidateContacts(cand)
	if err != nil {
		return View{}, err
	}
	if _, err := sess.Choose(index, contacts); err != nil {
		return View{}, err
	}
	s.loadAssets(ctx, sess)
	return sess.View(), nil
}

// SelectOrganization switches a reviewing session to another customer and
// pre-selects the contact matching the extracted user, if any.
func (s *Service) SelectOrganization(ctx context.Context, id string, customerID int64) (View, error) {
	sess, err := s.Session(ctx, id)
	if err != nil {
		return View{}, err
	}
	contacts, preselect, err := s.resolver.Contacts(customerID, sess.ExtractedUser())
	if err != nil {
		return View{}, err
	}
	if err := sess.SelectOrganization(customerID, contacts, preselect); err != nil {
		return View{}, err
	}
	if preselect != 0 {
		s.loadAssets(ctx, sess)
	}
	return sess.View(), nil
}

// SelectContact sets the contact of a reviewing session and reloads assets.
func (s *Service) SelectContact(ctx context.Context, id string, contactID int64) (View, error) {
	sess, err := s.Session(ctx, id)
	if err != nil {
		return View{}, err
	}
	if err := sess.SelectContact(contactID); err != nil {
		return View{}, err
	}
	if contactID != 0 {
		s.loadAssets(ctx, sess)
	}
	return sess.View(), nil
}

// SelectAsset sets the asset of a reviewing session.
func (s *Service) SelectAsset(ctx context.Context, id string, assetID int64) (View, error) {
	sess, err := s.Session(ctx, id)
	if err != nil {
		return View{}, err
	}
	if err := sess.SelectAsset(assetID); err != nil {
		return View{}, err
	}
	return sess.View(), nil
}

// Edit applies field edits to a reviewing session.
func (s *Service) Edit(ctx context.Context, id string, p DraftPatch) (View, error) {
	sess, err := s.Session(ctx, id)
	if err != nil {
		return View{}, err
	}
	if err := sess.Edit(p); err != nil {
		return View{}, err
	}
	return sess.View(), nil
}

// Submit creates the ticket for a reviewing session. On failure the session
// returns to reviewing with its draft intact and the error is returned.
func (s *Service) Submit(ctx context.Context, id string) (*TicketRef, error) {
	sess, err := s.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	draft, gen, err := sess.BeginSubmit()
	if err != nil {
		return nil, err
	}
	model := sess.View().Model

	ref, err := s.submitter.Submit(ctx, draft)
	if err != nil {
		sess.SubmitFailed(gen, err)
		return nil, err
	}
	sess.SubmitDone(gen, ref)

	rec := &TicketRecord{
		ID:          ulid.Make().String(),
		SessionID:   sess.ID(),
		TicketID:    ref.ID,
		Number:      ref.Number,
		URL:         ref.URL,
		CustomerID:  draft.CustomerID,
		ContactID:   draft.ContactID,
		AssetID:     draft.AssetID,
		Subject:     strings.TrimSpace(draft.Subject),
		ProblemType: NormalizeCategory(string(draft.ProblemType)),
		Model:       model,
		CreatedAt:   time.Now(),
	}
	if s.tickets != nil {
		if err := s.tickets.Append(ctx, rec); err != nil {
			s.logger.Error(ctx, err, "failed to record ticket", "session_id", sess.ID(), "ticket_id", ref.ID)
		}
	}
	if s.notifier != nil {
		go s.notify(context.WithoutCancel(ctx), rec)
	}
	return ref, nil
}

func (s *Service) notify(ctx context.Context, rec *TicketRecord) {
	if err := s.notifier.TicketCreated(ctx, rec); err != nil {
		s.logger.Error(ctx, err, "ticket notification failed", "ticket_id", rec.TicketID)
	}
}

// Reset discards a session's work and returns it to idle.
func (s *Service) Reset(ctx context.Context, id string) (View, error) {
	sess, err := s.Session(ctx, id)
	if err != nil {
		return View{}, err
	}
	sess.Reset()
	return sess.View(), nil
}

// Close tears a session down.
func (s *Service) Close(ctx context.Context, id string) error {
	sess, err := s.Session(ctx, id)
	if err != nil {
		return err
	}
	sess.Reset()
	if err := s.sessions.Delete(ctx, id); err != nil {
		return err
	}
	s.reportSessions(ctx)
	return nil
}

// Sweep closes sessions idle for longer than maxIdle.
func (s *Service) Sweep(ctx context.Context, maxIdle time.Duration) int {
	n, err := s.sessions.DeleteIdle(ctx, time.Now().Add(-maxIdle))
	if err != nil {
		s.logger.Error(ctx, err, "session sweep failed")
		return 0
	}
	if n > 0 {
		s.logger.Info(ctx, "swept idle sessions", "count", n)
		s.reportSessions(ctx)
	}
	return n
}

// RecentTickets returns the latest created tickets, newest first.
func (s *Service) RecentTickets(ctx context.Context, limit int) ([]TicketRecord, error) {
	if s.tickets == nil {
		return nil, nil
	}
	return s.tickets.Recent(ctx, limit)
}

func (s *Service) describeHook(result string) {
	if s.hooks.OnDescribe != nil {
		s.hooks.OnDescribe(result)
	}
}

func (s *Service) reportSessions(ctx context.Context) {
	if s.hooks.OnSessions == nil {
		return
	}
	if n, err := s.sessions.Len(ctx); err == nil {
		s.hooks.OnSessions(n)
	}
}
