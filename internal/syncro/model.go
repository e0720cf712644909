package syncro

import (
	"strconv"
	"strings"
)

// Customer is a ticketing-service organization record.
type Customer struct {
	ID           int64  `json:"id"`
	BusinessName string `json:"business_name"`
	Firstname    string `json:"firstname"`
	Lastname     string `json:"lastname"`
	Email        string `json:"email,omitempty"`
}

// PersonName is "firstname lastname", trimmed.
func (c *Customer) PersonName() string {
	return joinName(c.Firstname, c.Lastname)
}

// DisplayName is the business name when present, else the person name.
func (c *Customer) DisplayName() string {
	if c.BusinessName != "" {
		return c.BusinessName
	}
	return c.PersonName()
}

// Contact is a person record scoped to one customer.
type Contact struct {
	ID         int64  `json:"id"`
	CustomerID int64  `json:"customer_id"`
	Name       string `json:"name"`
	Firstname  string `json:"firstname"`
	Lastname   string `json:"lastname"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// DisplayName is the full name when present, else "firstname lastname".
func (c *Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return joinName(c.Firstname, c.Lastname)
}

// Asset is a device record. Assets are customer scoped.
type Asset struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	AssetType  string `json:"asset_type,omitempty"`
	CustomerID int64  `json:"customer_id,omitempty"`
}

// DisplayName is the asset name, or "Asset #<id>" when unnamed.
func (a *Asset) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return "Asset #" + strconv.FormatInt(a.ID, 10)
}

// Comment is one entry of a ticket's comments_attributes.
type Comment struct {
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	Hidden     bool   `json:"hidden"`
	DoNotEmail bool   `json:"do_not_email"`
}

// CreateTicketRequest is the create-ticket payload.
type CreateTicketRequest struct {
	CustomerID int64     `json:"customer_id"`
	Subject    string    `json:"subject"`
	Problem    string    `json:"problem_type"`
	Status     string    `json:"status"`
	Comments   []Comment `json:"comments_attributes"`
	ContactID  *int64    `json:"contact_id,omitempty"`
	AssetIDs   []int64   `json:"asset_ids,omitempty"`
}

// RawResponse is an uninterpreted HTTP response from the ticketing service.
type RawResponse struct {
	StatusCode int
	Body       []byte
}

func joinName(first, last string) string {
	return strings.TrimSpace(first + " " + last)
}
