package intake

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ticketsmith/internal/directory"
	"github.com/linnemanlabs/ticketsmith/internal/syncro"
)

// Outcome classifies a resolution.
type Outcome string

const (
	// OutcomeNotReady means the directory has not loaded yet; try again later.
	OutcomeNotReady Outcome = "not_ready"

	// OutcomeResolved means both customer and contact are fixed.
	OutcomeResolved Outcome = "resolved"

	// OutcomeOrganizationOnly means the customer is fixed and the contact is
	// left to the user.
	OutcomeOrganizationOnly Outcome = "organization_only"

	// OutcomeAmbiguous means several contacts matched across customers.
	OutcomeAmbiguous Outcome = "ambiguous"

	// OutcomeNotFound means nothing matched the extracted user.
	OutcomeNotFound Outcome = "not_found"

	// OutcomeUnfiltered means nothing was extracted to search on; the user
	// picks from the full customer list.
	OutcomeUnfiltered Outcome = "unfiltered"
)

// Directory is the read-only lookup surface the resolver needs.
type Directory interface {
	Customers() ([]syncro.Customer, error)
	Customer(id int64) (syncro.Customer, bool, error)
	FindCustomer(text string) (syncro.Customer, bool, error)
	FindCustomerByDisplayName(text string) (syncro.Customer, bool, error)
	ContactsOf(customerID int64) ([]syncro.Contact, error)
	FindContacts(text string) ([]directory.Match, error)
}

// AssetSource lists a customer's assets.
type AssetSource interface {
	Assets(ctx context.Context, customerID int64) iter.Seq2[syncro.Page[syncro.Asset], error]
}

// Resolution is the resolver's verdict for one record.
type Resolution struct {
	Outcome Outcome `json:"outcome"`

	// Record is the input with organization/user replaced by display names
	// when the resolver auto-selected them.
	Record ExtractedRecord `json:"record"`

	Customer *syncro.Customer `json:"customer,omitempty"`
	Contact  *syncro.Contact  `json:"contact,omitempty"`

	// SelfReference is set when the customer itself stands in for the
	// contact. Contact is then synthetic and carries no id.
	SelfReference bool `json:"self_reference,omitempty"`

	Contacts   []syncro.Contact  `json:"contacts,omitempty"`
	Candidates []Candidate       `json:"candidates,omitempty"`
	Customers  []syncro.Customer `json:"customers,omitempty"`

	Message string `json:"message,omitempty"`
}

// AssetChoice is the asset list for one customer plus the pre-selection.
type AssetChoice struct {
	Assets   []syncro.Asset `json:"assets"`
	Selected int64          `json:"selected,omitempty"`
}

// Resolver maps extracted records onto directory entries.
type Resolver struct {
	dir    Directory
	assets AssetSource
	logger log.Logger
}

// NotReadyMessage tells the user the directory has not loaded yet.
const NotReadyMessage = "The directory is still loading. Please wait."

// NewResolver creates a resolver over dir and assets.
func NewResolver(dir Directory, assets AssetSource, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.Nop()
	}
	return &Resolver{dir: dir, assets: assets, logger: logger}
}

// Resolve applies the matching policy to rec. Directory errors other than
// not-ready are returned; nothing else is an error.
func (r *Resolver) Resolve(ctx context.Context, rec ExtractedRecord) (*Resolution, error) {
	_, span := tracer.Start(ctx, "intake.Resolve")
	defer span.End()

	res, err := r.resolve(rec)
	if errors.Is(err, directory.ErrNotReady) {
		res, err = &Resolution{Outcome: OutcomeNotReady, Record: rec, Message: NotReadyMessage}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("intake.outcome", string(res.Outcome)))
	return res, nil
}

func (r *Resolver) resolve(rec ExtractedRecord) (*Resolution, error) {
	org := strings.TrimSpace(rec.Organization)
	user := strings.TrimSpace(rec.User)

	switch {
	case org != "":
		return r.byOrganization(rec, org, user)
	case user != "":
		return r.byUser(rec, user)
	default:
		return r.unfiltered(rec)
	}
}

func (r *Resolver) byOrganization(rec ExtractedRecord, org, user string) (*Resolution, error) {
	cust, ok, err := r.dir.FindCustomer(org)
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.unfiltered(rec)
	}
	contacts, err := r.dir.ContactsOf(cust.ID)
	if err != nil {
		return nil, err
	}

	res := &Resolution{Outcome: OutcomeOrganizationOnly, Record: rec, Customer: &cust, Contacts: contacts}
	if user == "" {
		return res, nil
	}
	for i := range contacts {
		if directory.ContactMatches(&contacts[i], user) {
			res.Outcome = OutcomeResolved
			res.Contact = &contacts[i]
			return res, nil
		}
	}
	return res, nil
}

func (r *Resolver) byUser(rec ExtractedRecord, user string) (*Resolution, error) {
	matches, err := r.dir.FindContacts(user)
	if err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		cust, ok, err := r.dir.FindCustomerByDisplayName(user)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &Resolution{
				Outcome: OutcomeNotFound,
				Record:  rec,
				Message: NotFoundMessage(user),
			}, nil
		}
		contacts, err := r.dir.ContactsOf(cust.ID)
		if err != nil {
			return nil, err
		}
		name := cust.DisplayName()
		rec.Organization, rec.User = name, name
		return &Resolution{
			Outcome:       OutcomeResolved,
			Record:        rec,
			Customer:      &cust,
			Contact:       &syncro.Contact{CustomerID: cust.ID, Name: name},
			SelfReference: true,
			Contacts:      contacts,
		}, nil

	case 1:
		m := matches[0]
		contacts, err := r.dir.ContactsOf(m.Customer.ID)
		if err != nil {
			return nil, err
		}
		rec.Organization, rec.User = m.Customer.DisplayName(), m.Contact.DisplayName()
		return &Resolution{
			Outcome:  OutcomeResolved,
			Record:   rec,
			Customer: &m.Customer,
			Contact:  &m.Contact,
			Contacts: contacts,
		}, nil

	default:
		cands := make([]Candidate, len(matches))
		for i, m := range matches {
			cands[i] = Candidate(m)
		}
		return &Resolution{Outcome: OutcomeAmbiguous, Record: rec, Candidates: cands}, nil
	}
}

func (r *Resolver) unfiltered(rec ExtractedRecord) (*Resolution, error) {
	customers, err := r.dir.Customers()
	if err != nil {
		return nil, err
	}
	return &Resolution{Outcome: OutcomeUnfiltered, Record: rec, Customers: customers}, nil
}

// Contacts returns a customer's cached contacts and the one to pre-select
// for user, which is zero when none matches.
func (r *Resolver) Contacts(customerID int64, user string) ([]syncro.Contact, int64, error) {
	if _, ok, err := r.dir.Customer(customerID); err != nil {
		return nil, 0, err
	} else if !ok {
		return nil, 0, fmt.Errorf("customer %d: %w", customerID, ErrUnknownEntity)
	}
	contacts, err := r.dir.ContactsOf(customerID)
	if err != nil {
		return nil, 0, err
	}
	return contacts, PreselectContact(contacts, user), nil
}

// CandidateContacts returns the contact list of a candidate's customer.
func (r *Resolver) CandidateContacts(c Candidate) ([]syncro.Contact, error) {
	return r.dir.ContactsOf(c.Customer.ID)
}

// Assets fetches the customer's assets sorted by display name. One asset is
// pre-selected only when the description referred to a computer and the
// customer has exactly one.
func (r *Resolver) Assets(ctx context.Context, customerID int64, computerRef bool) (*AssetChoice, error) {
	ctx, span := tracer.Start(ctx, "intake.Assets")
	defer span.End()
	span.SetAttributes(attribute.Int64("syncro.customer_id", customerID))

	assets, err := syncro.Collect(r.assets.Assets(ctx, customerID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list assets: %w", err)
	}

	slices.SortStableFunc(assets, func(a, b syncro.Asset) int {
		return cmp.Compare(strings.ToLower(a.DisplayName()), strings.ToLower(b.DisplayName()))
	})

	choice := &AssetChoice{Assets: assets}
	if computerRef && len(assets) == 1 {
		choice.Selected = assets[0].ID
	}
	return choice, nil
}

// PreselectContact returns the id of the first contact whose full name or
// "firstname lastname" contains user, or zero.
func PreselectContact(contacts []syncro.Contact, user string) int64 {
	needle := strings.ToLower(strings.TrimSpace(user))
	if needle == "" {
		return 0
	}
	for _, c := range contacts {
		if c.Name != "" && strings.Contains(strings.ToLower(c.Name), needle) {
			return c.ID
		}
		if strings.Contains(strings.ToLower(c.Firstname+" "+c.Lastname), needle) {
			return c.ID
		}
	}
	return 0
}

// NotFoundMessage is shown when neither a contact nor a customer matched.
func NotFoundMessage(user string) string {
	return fmt.Sprintf("Could not find user \"%s\" in contacts or customers. Please check the name or provide the organization name.", user)
}
