package intake

import (
	"time"

	"github.com/linnemanlabs/ticketsmith/internal/syncro"
)

// ExtractedRecord is the structured reading of one description.
type ExtractedRecord struct {
	Organization      string   `json:"organization"`
	User              string   `json:"user"`
	ComputerReference bool     `json:"computer_reference"`
	Subject           string   `json:"subject"`
	Issue             string   `json:"issue"`
	ProblemType       Category `json:"problem_type"`
}

// Field names a user-editable draft field.
type Field string

const (
	FieldOrganization Field = "organization"
	FieldContact      Field = "contact"
	FieldAsset        Field = "asset"
	FieldSubject      Field = "subject"
	FieldIssue        Field = "issue"
	FieldProblemType  Field = "problem_type"
	FieldSendEmail    Field = "send_email"
)

// Draft is the editable ticket-in-progress. Zero ids are unset.
type Draft struct {
	CustomerID  int64    `json:"customer_id,omitempty" validate:"required"`
	ContactID   int64    `json:"contact_id,omitempty"`
	AssetID     int64    `json:"asset_id,omitempty"`
	Subject     string   `json:"subject" validate:"required"`
	Issue       string   `json:"issue" validate:"required"`
	ProblemType Category `json:"problem_type"`
	SendEmail   bool     `json:"send_email"`
}

// Candidate is one (contact, customer) pair offered for disambiguation.
type Candidate struct {
	Contact  syncro.Contact  `json:"contact"`
	Customer syncro.Customer `json:"customer"`
}

// TicketRef identifies a created ticket.
type TicketRef struct {
	ID     int64  `json:"id,omitempty"`
	Number string `json:"number,omitempty"`
	URL    string `json:"url,omitempty"`
	Status int    `json:"http_status"`
}

// TicketRecord is one entry of the created-ticket log.
type TicketRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	TicketID    int64     `json:"ticket_id,omitempty"`
	Number      string    `json:"number,omitempty"`
	URL         string    `json:"url,omitempty"`
	CustomerID  int64     `json:"customer_id"`
	ContactID   int64     `json:"contact_id,omitempty"`
	AssetID     int64     `json:"asset_id,omitempty"`
	Subject     string    `json:"subject"`
	ProblemType Category  `json:"problem_type"`
	Model       string    `json:"model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
