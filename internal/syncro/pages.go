package syncro

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
)

// Page is one page of a paginated listing.
type Page[T any] struct {
	Number     int
	TotalPages int
	Items      []T
}

// paginate yields pages of endpoint starting at page 1 until the reported
// meta.total_pages is reached, the listing key is missing, or a request
// fails. A failed page is yielded with its error and ends the sequence.
// Ranging over the sequence again starts over from page 1.
func paginate[T any](ctx context.Context, c *Client, endpoint, key string, params url.Values) iter.Seq2[Page[T], error] {
	return func(yield func(Page[T], error) bool) {
		for page := 1; ; page++ {
			q := url.Values{}
			for k, vs := range params {
				q[k] = vs
			}
			q.Set("page", strconv.Itoa(page))

			body, err := c.get(ctx, endpoint, q)
			if err != nil {
				yield(Page[T]{Number: page}, err)
				return
			}

			list := gjson.GetBytes(body, key)
			if !list.IsArray() {
				return
			}
			var items []T
			if err := json.Unmarshal([]byte(list.Raw), &items); err != nil {
				yield(Page[T]{Number: page}, fmt.Errorf("decode %s page %d: %w", endpoint, page, err))
				return
			}

			total := int(gjson.GetBytes(body, "meta.total_pages").Int())
			if total < 1 {
				total = 1
			}

			if !yield(Page[T]{Number: page, TotalPages: total, Items: items}, nil) {
				return
			}
			if page >= total {
				return
			}
		}
	}
}

// Collect drains a page sequence. On error it returns the items gathered
// before the failing page together with the error.
func Collect[T any](pages iter.Seq2[Page[T], error]) ([]T, error) {
	var out []T
	for p, err := range pages {
		if err != nil {
			return out, err
		}
		out = append(out, p.Items...)
	}
	return out, nil
}

// Customers lists every customer of the tenant.
func (c *Client) Customers(ctx context.Context) iter.Seq2[Page[Customer], error] {
	return paginate[Customer](ctx, c, "customers", "customers", nil)
}

// Contacts lists the contacts of one customer.
func (c *Client) Contacts(ctx context.Context, customerID int64) iter.Seq2[Page[Contact], error] {
	params := url.Values{"customer_id": {strconv.FormatInt(customerID, 10)}}
	return paginate[Contact](ctx, c, "contacts", "contacts", params)
}

// Assets lists the assets of one customer.
func (c *Client) Assets(ctx context.Context, customerID int64) iter.Seq2[Page[Asset], error] {
	params := url.Values{"customer_id": {strconv.FormatInt(customerID, 10)}}
	return paginate[Asset](ctx, c, "customer_assets", "assets", params)
}
