package syncro

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
)

// contactResults selects the _source record of every contact-typed search hit.
const contactResults = `results.#(table._type=="contact")#.table._source.table`

// SearchContacts runs a full-text search and returns only contact results.
func (c *Client) SearchContacts(ctx context.Context, query string) ([]Contact, error) {
	body, err := c.get(ctx, "search", url.Values{"query": {query}})
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decode search response: invalid json")
	}

	hits := gjson.GetBytes(body, contactResults)
	if !hits.Exists() {
		return nil, nil
	}
	var out []Contact
	if err := json.Unmarshal([]byte(hits.Raw), &out); err != nil {
		return nil, fmt.Errorf("decode search contacts: %w", err)
	}
	return out, nil
}

// CreateTicket posts a new ticket and returns the raw response. Errors are
// transport failures only; the caller decides what counts as success.
func (c *Client) CreateTicket(ctx context.Context, req *CreateTicketRequest) (*RawResponse, error) {
	return c.do(ctx, http.MethodPost, "tickets", nil, req)
}
