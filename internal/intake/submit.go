package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ticketsmith/internal/syncro"
)

const (
	ticketStatusNew      = "New"
	initialCommentTitle  = "Initial Issue"
	maxDiagnosticBodyLen = 2048
)

// TicketCreator posts create-ticket requests.
type TicketCreator interface {
	CreateTicket(ctx context.Context, req *syncro.CreateTicketRequest) (*syncro.RawResponse, error)
}

// SubmitHooks are optional callbacks fired after each submission attempt.
type SubmitHooks struct {
	OnSubmit func(outcome string, duration time.Duration)
}

// Submitter validates drafts and creates tickets from them.
type Submitter struct {
	creator   TicketCreator
	validate  *validator.Validate
	subdomain string
	shield    bool
	logger    log.Logger
	hooks     SubmitHooks
}

// SubmitterConfig configures ticket links.
type SubmitterConfig struct {
	Subdomain string
	// ShieldDomain links tickets on <sub>.shield.syncromsp.com instead of
	// <sub>.syncromsp.com.
	ShieldDomain bool
	Hooks        SubmitHooks
}

// NewSubmitter creates a submitter over creator.
func NewSubmitter(creator TicketCreator, cfg SubmitterConfig, logger log.Logger) *Submitter {
	if logger == nil {
		logger = log.Nop()
	}
	return &Submitter{
		creator:   creator,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		subdomain: cfg.Subdomain,
		shield:    cfg.ShieldDomain,
		logger:    logger,
		hooks:     cfg.Hooks,
	}
}

// fieldMessages maps draft struct fields to their field and message.
var fieldMessages = map[string]ValidationError{
	"CustomerID": {Field: FieldOrganization, Message: "Please select an organization."},
	"Subject":    {Field: FieldSubject, Message: "Please enter a subject."},
	"Issue":      {Field: FieldIssue, Message: "Please enter an issue description."},
}

// Validate checks the required fields in order: organization, subject,
// issue. Subject and issue are compared after trimming.
func (s *Submitter) Validate(d Draft) error {
	d.Subject = strings.TrimSpace(d.Subject)
	d.Issue = strings.TrimSpace(d.Issue)
	err := s.validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validate draft: %w", err)
	}
	if ve, ok := fieldMessages[verrs[0].StructField()]; ok {
		return &ve
	}
	return &ValidationError{Field: Field(strings.ToLower(verrs[0].Field())), Message: verrs[0].Error()}
}

// BuildTicketRequest converts a draft into the create-ticket payload.
func BuildTicketRequest(d Draft) *syncro.CreateTicketRequest {
	req := &syncro.CreateTicketRequest{
		CustomerID: d.CustomerID,
		Subject:    strings.TrimSpace(d.Subject),
		Problem:    string(NormalizeCategory(string(d.ProblemType))),
		Status:     ticketStatusNew,
		Comments: []syncro.Comment{{
			Subject:    initialCommentTitle,
			Body:       strings.TrimSpace(d.Issue),
			Hidden:     false,
			DoNotEmail: !d.SendEmail,
		}},
	}
	if d.ContactID != 0 {
		id := d.ContactID
		req.ContactID = &id
	}
	if d.AssetID != 0 {
		req.AssetIDs = []int64{d.AssetID}
	}
	return req
}

// Submit validates d and creates the ticket. Validation failures are
// *ValidationError and never reach the network; everything else that is not
// a success is *SubmissionError.
func (s *Submitter) Submit(ctx context.Context, d Draft) (*TicketRef, error) {
	if err := s.Validate(d); err != nil {
		s.observe("invalid", 0)
		return nil, err
	}
	if s.creator == nil {
		return nil, ErrNotConfigured
	}

	ctx, span := tracer.Start(ctx, "intake.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("syncro.customer_id", d.CustomerID),
		attribute.Bool("intake.has_contact", d.ContactID != 0),
		attribute.Bool("intake.has_asset", d.AssetID != 0),
	)

	start := time.Now()
	resp, err := s.creator.CreateTicket(ctx, BuildTicketRequest(d))
	if err != nil {
		s.observe("transport_error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, syncro.ErrNotConfigured) {
			return nil, fmt.Errorf("%w: %w", ErrNotConfigured, err)
		}
		return nil, &SubmissionError{Err: fmt.Errorf("%w: %w", ErrTransport, err)}
	}

	ref, err := s.interpret(resp)
	if err != nil {
		s.observe("rejected", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn(ctx, "ticket create rejected", "status", resp.StatusCode, "customer_id", d.CustomerID)
		return nil, err
	}

	s.observe("created", time.Since(start))
	span.SetAttributes(attribute.Int64("syncro.ticket_id", ref.ID))
	s.logger.Info(ctx, "ticket created",
		"ticket_id", ref.ID,
		"number", ref.Number,
		"customer_id", d.CustomerID,
		"contact_id", d.ContactID,
		"asset_id", d.AssetID,
		"duration", time.Since(start),
	)
	return ref, nil
}

// interpret treats a body carrying ticket.id as success, and otherwise any
// 2xx status.
func (s *Submitter) interpret(resp *syncro.RawResponse) (*TicketRef, error) {
	ok2xx := resp.StatusCode >= 200 && resp.StatusCode < 300
	valid := gjson.ValidBytes(resp.Body)

	var ref *TicketRef
	switch {
	case valid && gjson.GetBytes(resp.Body, "ticket.id").Int() != 0:
		t := gjson.GetBytes(resp.Body, "ticket")
		ref = &TicketRef{ID: t.Get("id").Int(), Number: t.Get("number").String()}
	case ok2xx:
		ref = &TicketRef{}
		if valid {
			ref.ID = gjson.GetBytes(resp.Body, "id").Int()
			ref.Number = gjson.GetBytes(resp.Body, "number").String()
		}
	default:
		body := string(resp.Body)
		if len(body) > maxDiagnosticBodyLen {
			body = body[:maxDiagnosticBodyLen]
		}
		return nil, &SubmissionError{Status: resp.StatusCode, Body: body}
	}
	ref.Status = resp.StatusCode
	ref.URL = s.TicketURL(ref.ID)
	return ref, nil
}

// TicketURL links to a ticket in the web UI, or "" without an id or tenant.
func (s *Submitter) TicketURL(id int64) string {
	if id == 0 || s.subdomain == "" {
		return ""
	}
	domain := "syncromsp.com"
	if s.shield {
		domain = "shield.syncromsp.com"
	}
	return fmt.Sprintf("https://%s.%s/tickets/%d", s.subdomain, domain, id)
}

func (s *Submitter) observe(outcome string, d time.Duration) {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(outcome, d)
	}
}
