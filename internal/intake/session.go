package intake

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/ticketsmith/internal/directory"
	"github.com/linnemanlabs/ticketsmith/internal/syncro"
)

// State is where a session is in the describe-review-submit workflow.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingExtraction State = "awaiting_extraction"
	StateAwaitingResolution State = "awaiting_resolution"
	StateDisambiguating     State = "disambiguating"
	StateReviewing          State = "reviewing"
	StateSubmitting         State = "submitting"
)

// Event is emitted on every state change and on notable in-state updates.
type Event struct {
	SessionID  string    `json:"session_id"`
	State      State     `json:"state"`
	Previous   State     `json:"previous"`
	Generation uint64    `json:"generation"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// Observer receives session events. It is called without the session lock
// held and must not block.
type Observer func(Event)

// ErrorView is the last user-facing error of a session.
type ErrorView struct {
	Kind    string `json:"kind"`
	Field   Field  `json:"field,omitempty"`
	Message string `json:"message"`
}

// View is a point-in-time copy of a session for presentation.
type View struct {
	ID          string            `json:"id"`
	State       State             `json:"state"`
	Generation  uint64            `json:"generation"`
	Description string            `json:"description,omitempty"`
	Model       string            `json:"model,omitempty"`
	Record      *ExtractedRecord  `json:"record,omitempty"`
	Outcome     Outcome           `json:"outcome,omitempty"`
	Draft       *Draft            `json:"draft,omitempty"`
	Overridden  []Field           `json:"overridden,omitempty"`
	Candidates  []Candidate       `json:"candidates,omitempty"`
	Customers   []syncro.Customer `json:"customers,omitempty"`
	Contacts    []syncro.Contact  `json:"contacts,omitempty"`
	Assets      []syncro.Asset    `json:"assets,omitempty"`
	SelfRef     bool              `json:"self_reference,omitempty"`
	Error       *ErrorView        `json:"error,omitempty"`
	Ticket      *TicketRef        `json:"ticket,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// DraftPatch carries user edits; nil fields are left alone.
type DraftPatch struct {
	Subject     *string   `json:"subject,omitempty"`
	Issue       *string   `json:"issue,omitempty"`
	ProblemType *Category `json:"problem_type,omitempty"`
	SendEmail   *bool     `json:"send_email,omitempty"`
}

// Session is one ticket-in-progress. All methods are safe for concurrent use;
// none of them performs I/O.
type Session struct {
	mu sync.Mutex

	id         string
	state      State
	generation uint64
	observer   Observer

	description string
	model       string
	record      *ExtractedRecord
	outcome     Outcome
	selfRef     bool
	seeded      bool

	draft      Draft
	overridden map[Field]bool
	candidates []Candidate
	customers  []syncro.Customer
	contacts   []syncro.Contact
	assets     []syncro.Asset

	lastErr *ErrorView
	ticket  *TicketRef

	createdAt time.Time
	updatedAt time.Time
}

// NewSession creates an idle session.
func NewSession(id string, observer Observer) *Session {
	now := time.Now()
	return &Session{
		id:         id,
		state:      StateIdle,
		observer:   observer,
		overridden: make(map[Field]bool),
		createdAt:  now,
		updatedAt:  now,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the current generation. Results tagged with an older
// generation are dropped.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// UpdatedAt returns the time of the last mutation.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// transition moves to next and returns the event to emit once unlocked.
func (s *Session) transition(next State, msg string) Event {
	ev := Event{
		SessionID:  s.id,
		State:      next,
		Previous:   s.state,
		Generation: s.generation,
		Message:    msg,
		At:         time.Now(),
	}
	s.state = next
	s.updatedAt = ev.At
	return ev
}

func (s *Session) emit(ev Event) {
	if s.observer != nil {
		s.observer(ev)
	}
}

// BeginExtraction accepts a description. Only an idle session accepts one; a
// session with an extraction or resolution outstanding answers ErrBusy.
func (s *Session) BeginExtraction(description, model string) (uint64, error) {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateAwaitingExtraction, StateAwaitingResolution:
		s.mu.Unlock()
		return 0, ErrBusy
	default:
		st := s.state
		s.mu.Unlock()
		return 0, &TransitionError{Action: "describe", State: st}
	}
	s.clearWork()
	s.description = description
	s.model = model
	ev := s.transition(StateAwaitingExtraction, "")
	gen := s.generation
	s.mu.Unlock()

	s.emit(ev)
	return gen, nil
}

// ExtractionFailed returns an awaiting session to idle with the error. It
// reports false when gen is stale.
func (s *Session) ExtractionFailed(gen uint64, err error) bool {
	s.mu.Lock()
	if gen != s.generation || s.state != StateAwaitingExtraction {
		s.mu.Unlock()
		return false
	}
	s.lastErr = ClassifyError(err)
	ev := s.transition(StateIdle, s.lastErr.Message)
	s.mu.Unlock()

	s.emit(ev)
	return true
}

// ExtractionDone records the extracted record and moves on to resolution.
func (s *Session) ExtractionDone(gen uint64, rec *ExtractedRecord) bool {
	s.mu.Lock()
	if gen != s.generation || s.state != StateAwaitingExtraction {
		s.mu.Unlock()
		return false
	}
	cp := *rec
	s.record = &cp
	ev := s.transition(StateAwaitingResolution, "")
	s.mu.Unlock()

	s.emit(ev)
	return true
}

// Waiting emits an in-state event, used while resolution waits on the
// directory.
func (s *Session) Waiting(gen uint64, msg string) bool {
	s.mu.Lock()
	if gen != s.generation || s.state != StateAwaitingResolution {
		s.mu.Unlock()
		return false
	}
	ev := s.transition(StateAwaitingResolution, msg)
	s.mu.Unlock()

	s.emit(ev)
	return true
}

// ResolutionFailed returns an awaiting session to idle with the error.
func (s *Session) ResolutionFailed(gen uint64, err error) bool {
	s.mu.Lock()
	if gen != s.generation || s.state != StateAwaitingResolution {
		s.mu.Unlock()
		return false
	}
	s.lastErr = ClassifyError(err)
	ev := s.transition(StateIdle, s.lastErr.Message)
	s.mu.Unlock()

	s.emit(ev)
	return true
}

// ResolutionDone seeds the draft from the resolution. Seeding happens once
// per description; it reports false when gen is stale or the session has
// already left awaiting_resolution.
func (s *Session) ResolutionDone(gen uint64, res *Resolution) bool {
	s.mu.Lock()
	if gen != s.generation || s.state != StateAwaitingResolution || s.seeded {
		s.mu.Unlock()
		return false
	}

	rec := res.Record
	s.record = &rec
	s.outcome = res.Outcome

	var ev Event
	switch res.Outcome {
	case OutcomeNotReady:
		s.mu.Unlock()
		return false

	case OutcomeNotFound:
		s.lastErr = &ErrorView{Kind: string(OutcomeNotFound), Message: res.Message}
		ev = s.transition(StateIdle, res.Message)

	case OutcomeAmbiguous:
		s.seeded = true
		s.seedDraft(&rec)
		s.candidates = slices.Clone(res.Candidates)
		ev = s.transition(StateDisambiguating, fmt.Sprintf("%d matching contacts", len(res.Candidates)))

	default:
		s.seeded = true
		s.seedDraft(&rec)
		s.customers = slices.Clone(res.Customers)
		s.contacts = slices.Clone(res.Contacts)
		s.selfRef = res.SelfReference
		if res.Customer != nil {
			s.draft.CustomerID = res.Customer.ID
		}
		if res.Contact != nil && !res.SelfReference {
			s.draft.ContactID = res.Contact.ID
		}
		ev = s.transition(StateReviewing, "")
	}
	s.mu.Unlock()

	s.emit(ev)
	return true
}

func (s *Session) seedDraft(rec *ExtractedRecord) {
	s.draft = Draft{
		Subject:     rec.Subject,
		Issue:       rec.Issue,
		ProblemType: NormalizeCategory(string(rec.ProblemType)),
	}
}

// Candidate returns candidate i of a disambiguating session.
func (s *Session) Candidate(i int) (Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisambiguating {
		return Candidate{}, &TransitionError{Action: "choose", State: s.state}
	}
	if i < 0 || i >= len(s.candidates) {
		return Candidate{}, fmt.Errorf("candidate %d of %d: %w", i, len(s.candidates), ErrUnknownEntity)
	}
	return s.candidates[i], nil
}

// Choose fixes candidate i as the customer and contact. contacts is the
// chosen customer's contact list. The record's organization and user become
// the chosen display names.
func (s *Session) Choose(i int, contacts []syncro.Contact) (Candidate, error) {
	s.mu.Lock()
	if s.state != StateDisambiguating {
		st := s.state
		s.mu.Unlock()
		return Candidate{}, &TransitionError{Action: "choose", State: st}
	}
	if i < 0 || i >= len(s.candidates) {
		n := len(s.candidates)
		s.mu.Unlock()
		return Candidate{}, fmt.Errorf("candidate %d of %d: %w", i, n, ErrUnknownEntity)
	}
	c := s.candidates[i]
	s.draft.CustomerID = c.Customer.ID
	s.draft.ContactID = c.Contact.ID
	if s.record != nil {
		s.record.Organization = c.Customer.DisplayName()
		s.record.User = c.Contact.DisplayName()
	}
	s.contacts = slices.Clone(contacts)
	s.candidates = nil
	ev := s.transition(StateReviewing, "")
	s.mu.Unlock()

	s.emit(ev)
	return c, nil
}

// ExtractedUser returns the extracted user name, used to pre-select a
// contact after an organization change.
func (s *Session) ExtractedUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return ""
	}
	return s.record.User
}

// ComputerReference reports whether the extracted description referred to a
// computer.
func (s *Session) ComputerReference() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record != nil && s.record.ComputerReference
}

func (s *Session) requireReviewing(action string) error {
	if s.state != StateReviewing {
		return &TransitionError{Action: action, State: s.state}
	}
	return nil
}

// SelectOrganization switches the draft to customerID. The contact is reset
// to preselect (zero for none) and the asset is cleared.
func (s *Session) SelectOrganization(customerID int64, contacts []syncro.Contact, preselect int64) error {
	s.mu.Lock()
	if err := s.requireReviewing("select organization"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.draft.CustomerID = customerID
	s.draft.ContactID = preselect
	s.draft.AssetID = 0
	s.contacts = slices.Clone(contacts)
	s.assets = nil
	s.selfRef = false
	s.overridden[FieldOrganization] = true
	delete(s.overridden, FieldContact)
	delete(s.overridden, FieldAsset)
	s.updatedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// SelectContact sets the draft contact, which must belong to the draft's
// organization. Zero clears it. The asset selection is cleared.
func (s *Session) SelectContact(contactID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireReviewing("select contact"); err != nil {
		return err
	}
	if contactID != 0 && !slices.ContainsFunc(s.contacts, func(c syncro.Contact) bool {
		return c.ID == contactID && c.CustomerID == s.draft.CustomerID
	}) {
		return fmt.Errorf("contact %d is not a contact of customer %d: %w", contactID, s.draft.CustomerID, ErrUnknownEntity)
	}
	s.draft.ContactID = contactID
	s.draft.AssetID = 0
	s.assets = nil
	s.overridden[FieldContact] = true
	delete(s.overridden, FieldAsset)
	s.updatedAt = time.Now()
	return nil
}

// AssetTarget returns the customer whose assets should be listed, or zero
// when no organization is selected.
func (s *Session) AssetTarget() (customerID int64, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReviewing {
		return 0, s.generation
	}
	return s.draft.CustomerID, s.generation
}

// SetAssets installs a fetched asset list for customerID. The pre-selection
// applies only when the user has not picked an asset. Stale results are
// dropped.
func (s *Session) SetAssets(gen uint64, customerID int64, choice *AssetChoice) bool {
	s.mu.Lock()
	if gen != s.generation || s.state != StateReviewing || s.draft.CustomerID != customerID {
		s.mu.Unlock()
		return false
	}
	s.assets = slices.Clone(choice.Assets)
	if !s.overridden[FieldAsset] && choice.Selected != 0 {
		s.draft.AssetID = choice.Selected
	}
	ev := s.transition(StateReviewing, fmt.Sprintf("%d assets", len(choice.Assets)))
	s.mu.Unlock()

	s.emit(ev)
	return true
}

// SelectAsset sets the draft asset, which must be one of the listed assets.
// Zero clears it.
func (s *Session) SelectAsset(assetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireReviewing("select asset"); err != nil {
		return err
	}
	if assetID != 0 && !slices.ContainsFunc(s.assets, func(a syncro.Asset) bool { return a.ID == assetID }) {
		return fmt.Errorf("asset %d: %w", assetID, ErrUnknownEntity)
	}
	s.draft.AssetID = assetID
	s.overridden[FieldAsset] = true
	s.updatedAt = time.Now()
	return nil
}

// Edit applies user edits to the draft and marks each edited field as
// overridden. The problem type is normalized.
func (s *Session) Edit(p DraftPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireReviewing("edit"); err != nil {
		return err
	}
	if p.Subject != nil {
		s.draft.Subject = *p.Subject
		s.overridden[FieldSubject] = true
	}
	if p.Issue != nil {
		s.draft.Issue = *p.Issue
		s.overridden[FieldIssue] = true
	}
	if p.ProblemType != nil {
		s.draft.ProblemType = NormalizeCategory(string(*p.ProblemType))
		s.overridden[FieldProblemType] = true
	}
	if p.SendEmail != nil {
		s.draft.SendEmail = *p.SendEmail
		s.overridden[FieldSendEmail] = true
	}
	s.updatedAt = time.Now()
	return nil
}

// BeginSubmit moves a reviewing session to submitting and returns the draft
// to send. A session already submitting answers ErrBusy.
func (s *Session) BeginSubmit() (Draft, uint64, error) {
	s.mu.Lock()
	switch s.state {
	case StateReviewing:
	case StateSubmitting:
		s.mu.Unlock()
		return Draft{}, 0, ErrBusy
	default:
		st := s.state
		s.mu.Unlock()
		return Draft{}, 0, &TransitionError{Action: "submit", State: st}
	}
	s.lastErr = nil
	d := s.draft
	ev := s.transition(StateSubmitting, "")
	gen := s.generation
	s.mu.Unlock()

	s.emit(ev)
	return d, gen, nil
}

// SubmitFailed returns a submitting session to reviewing, keeping the draft.
func (s *Session) SubmitFailed(gen uint64, err error) bool {
	s.mu.Lock()
	if gen != s.generation || s.state != StateSubmitting {
		s.mu.Unlock()
		return false
	}
	s.lastErr = ClassifyError(err)
	ev := s.transition(StateReviewing, s.lastErr.Message)
	s.mu.Unlock()

	s.emit(ev)
	return true
}

// SubmitDone clears the draft and returns the session to idle.
func (s *Session) SubmitDone(gen uint64, ref *TicketRef) bool {
	s.mu.Lock()
	if gen != s.generation || s.state != StateSubmitting {
		s.mu.Unlock()
		return false
	}
	s.clearWork()
	s.description = ""
	s.generation++
	cp := *ref
	s.ticket = &cp
	ev := s.transition(StateIdle, "ticket created")
	s.mu.Unlock()

	s.emit(ev)
	return true
}

// Reset discards all work from any state. Outstanding results are dropped
// when they arrive.
func (s *Session) Reset() {
	s.mu.Lock()
	s.clearWork()
	s.description = ""
	s.model = ""
	s.ticket = nil
	s.generation++
	ev := s.transition(StateIdle, "reset")
	s.mu.Unlock()

	s.emit(ev)
}

func (s *Session) clearWork() {
	s.record = nil
	s.outcome = ""
	s.selfRef = false
	s.seeded = false
	s.draft = Draft{}
	s.overridden = make(map[Field]bool)
	s.candidates = nil
	s.customers = nil
	s.contacts = nil
	s.assets = nil
	s.lastErr = nil
}

// Draft returns a copy of the draft.
func (s *Session) Draft() Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Overridden reports whether the user has edited f.
func (s *Session) Overridden(f Field) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overridden[f]
}

// View returns a presentation copy of the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		ID:          s.id,
		State:       s.state,
		Generation:  s.generation,
		Description: s.description,
		Model:       s.model,
		Outcome:     s.outcome,
		Candidates:  slices.Clone(s.candidates),
		Customers:   slices.Clone(s.customers),
		Contacts:    slices.Clone(s.contacts),
		Assets:      slices.Clone(s.assets),
		SelfRef:     s.selfRef,
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
	}
	if s.record != nil {
		rec := *s.record
		v.Record = &rec
	}
	if s.seeded {
		d := s.draft
		v.Draft = &d
	}
	for _, f := range []Field{FieldOrganization, FieldContact, FieldAsset, FieldSubject, FieldIssue, FieldProblemType, FieldSendEmail} {
		if s.overridden[f] {
			v.Overridden = append(v.Overridden, f)
		}
	}
	if s.lastErr != nil {
		e := *s.lastErr
		v.Error = &e
	}
	if s.ticket != nil {
		t := *s.ticket
		v.Ticket = &t
	}
	return v
}

// ClassifyError maps err onto the presentation error kinds.
func ClassifyError(err error) *ErrorView {
	var (
		ve *ValidationError
		se *SubmissionError
	)
	switch {
	case errors.As(err, &ve):
		return &ErrorView{Kind: "validation", Field: ve.Field, Message: ve.Message}
	case errors.Is(err, ErrNotConfigured):
		return &ErrorView{Kind: "configuration", Message: err.Error()}
	case errors.Is(err, ErrShapeMismatch):
		return &ErrorView{Kind: "shape", Message: err.Error()}
	case errors.Is(err, ErrTransport):
		return &ErrorView{Kind: "transport", Message: err.Error()}
	case errors.As(err, &se):
		return &ErrorView{Kind: "submission", Message: err.Error()}
	case errors.Is(err, directory.ErrNotReady):
		return &ErrorView{Kind: "not_ready", Message: NotReadyMessage}
	default:
		return &ErrorView{Kind: "internal", Message: err.Error()}
	}
}
