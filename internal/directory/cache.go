// Package directory caches the ticketing service's customers and contacts so
// the resolver can search them synchronously.
package directory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ticketsmith/internal/syncro"
)

var tracer = otel.Tracer("github.com/linnemanlabs/ticketsmith/internal/directory")

// ErrNotReady is returned by every query until the first load has finished.
var ErrNotReady = errors.New("directory is still loading")

// DefaultConcurrency bounds the per-customer contact fetches of one load.
const DefaultConcurrency = 8

// Source is the paginated listing surface the cache loads from.
type Source interface {
	Customers(ctx context.Context) iter.Seq2[syncro.Page[syncro.Customer], error]
	Contacts(ctx context.Context, customerID int64) iter.Seq2[syncro.Page[syncro.Contact], error]
}

// State is the load state of the cache.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
)

// Match pairs a contact with its owning customer.
type Match struct {
	Contact  syncro.Contact  `json:"contact"`
	Customer syncro.Customer `json:"customer"`
}

// Status describes the cache for operators and the panel.
type Status struct {
	State      State     `json:"state"`
	Customers  int       `json:"customers"`
	Contacts   int       `json:"contacts"`
	Partial    bool      `json:"partial"`
	Failures   int       `json:"failures"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Loads      int       `json:"loads"`
}

// Hooks are optional callbacks fired after each load.
type Hooks struct {
	OnLoad func(customers, contacts, failures int, duration time.Duration)
}

type snapshot struct {
	customers  []syncro.Customer
	contacts   []syncro.Contact
	customerAt map[int64]int
	contactAt  map[int64]int
	byCustomer map[int64][]int
	partial    bool
	failures   int
}

// Cache holds an immutable snapshot that is swapped wholesale on each load.
type Cache struct {
	source      Source
	logger      log.Logger
	concurrency int
	hooks       Hooks

	snap      atomic.Pointer[snapshot]
	loading   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	status Status
}

// Option customizes a Cache.
type Option func(*Cache)

// WithConcurrency sets the maximum number of concurrent contact fetches.
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithHooks installs load callbacks.
func WithHooks(h Hooks) Option {
	return func(c *Cache) { c.hooks = h }
}

// New creates an empty cache over src.
func New(src Source, logger log.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = log.Nop()
	}
	c := &Cache{
		source:      src,
		logger:      logger,
		concurrency: DefaultConcurrency,
		status:      Status{State: StateIdle},
		ready:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Load fetches every customer and then every customer's contacts, and
// installs the result. It returns false without doing anything when another
// load is already running. Failed pages are logged and counted; the data
// that did arrive is kept and the snapshot is marked partial.
func (c *Cache) Load(ctx context.Context) bool {
	if !c.loading.CompareAndSwap(false, true) {
		return false
	}
	defer c.loading.Store(false)

	ctx, span := tracer.Start(ctx, "directory.Load")
	defer span.End()

	start := time.Now()
	c.mu.Lock()
	prev := c.status.State
	c.status.State = StateLoading
	c.status.StartedAt = start
	c.mu.Unlock()

	failures := 0
	customers, err := syncro.Collect(c.source.Customers(ctx))
	if err != nil {
		failures++
		c.logger.Warn(ctx, "customer listing incomplete", "error", err, "customers", len(customers))
	}

	perCustomer := make([][]syncro.Contact, len(customers))
	errs := make([]error, len(customers))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i := range customers {
		g.Go(func() error {
			contacts, err := syncro.Collect(c.source.Contacts(ctx, customers[i].ID))
			for j := range contacts {
				contacts[j].CustomerID = customers[i].ID
			}
			perCustomer[i] = contacts
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			failures++
			c.logger.Warn(ctx, "contact listing incomplete",
				"error", err,
				"customer_id", customers[i].ID,
				"contacts", len(perCustomer[i]),
			)
		}
	}

	snap := build(customers, perCustomer)
	snap.failures = failures
	snap.partial = failures > 0
	c.snap.Store(snap)
	c.readyOnce.Do(func() { close(c.ready) })

	dur := time.Since(start)
	c.mu.Lock()
	c.status = Status{
		State:      StateReady,
		Customers:  len(snap.customers),
		Contacts:   len(snap.contacts),
		Partial:    snap.partial,
		Failures:   failures,
		StartedAt:  start,
		FinishedAt: time.Now(),
		Loads:      c.status.Loads + 1,
	}
	c.mu.Unlock()

	span.SetAttributes(
		attribute.Int("directory.customers", len(snap.customers)),
		attribute.Int("directory.contacts", len(snap.contacts)),
		attribute.Int("directory.failures", failures),
	)
	if failures > 0 {
		span.SetStatus(codes.Error, "partial load")
	}
	if c.hooks.OnLoad != nil {
		c.hooks.OnLoad(len(snap.customers), len(snap.contacts), failures, dur)
	}

	c.logger.Info(ctx, "directory loaded",
		"customers", len(snap.customers),
		"contacts", len(snap.contacts),
		"failures", failures,
		"previous_state", prev,
		"duration", dur,
	)
	return true
}

// Run loads once and then reloads every interval until ctx is done. A zero
// interval loads once.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	c.Load(ctx)
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Load(ctx)
		}
	}
}

func build(customers []syncro.Customer, perCustomer [][]syncro.Contact) *snapshot {
	s := &snapshot{
		customers:  customers,
		customerAt: make(map[int64]int, len(customers)),
		contactAt:  make(map[int64]int),
		byCustomer: make(map[int64][]int, len(customers)),
	}
	for i, cu := range customers {
		if _, dup := s.customerAt[cu.ID]; !dup {
			s.customerAt[cu.ID] = i
		}
	}
	for _, contacts := range perCustomer {
		for _, ct := range contacts {
			idx := len(s.contacts)
			s.contacts = append(s.contacts, ct)
			s.contactAt[ct.ID] = idx
			s.byCustomer[ct.CustomerID] = append(s.byCustomer[ct.CustomerID], idx)
		}
	}
	return s
}

func (c *Cache) current() (*snapshot, error) {
	s := c.snap.Load()
	if s == nil {
		return nil, ErrNotReady
	}
	return s, nil
}

// Ready reports whether a snapshot has been installed.
func (c *Cache) Ready() bool {
	return c.snap.Load() != nil
}

// Wait blocks until the first load has finished or ctx is done.
func (c *Cache) Wait(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	}
}

// Status returns a copy of the current load status.
func (c *Cache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Customers returns every cached customer in fetch order.
func (c *Cache) Customers() ([]syncro.Customer, error) {
	s, err := c.current()
	if err != nil {
		return nil, err
	}
	return append([]syncro.Customer(nil), s.customers...), nil
}

// Customer looks up a customer by id.
func (c *Cache) Customer(id int64) (syncro.Customer, bool, error) {
	s, err := c.current()
	if err != nil {
		return syncro.Customer{}, false, err
	}
	i, ok := s.customerAt[id]
	if !ok {
		return syncro.Customer{}, false, nil
	}
	return s.customers[i], true, nil
}

// Contact looks up a contact by id.
func (c *Cache) Contact(id int64) (syncro.Contact, bool, error) {
	s, err := c.current()
	if err != nil {
		return syncro.Contact{}, false, err
	}
	i, ok := s.contactAt[id]
	if !ok {
		return syncro.Contact{}, false, nil
	}
	return s.contacts[i], true, nil
}

// ContactsOf returns the contacts of one customer in fetch order.
func (c *Cache) ContactsOf(customerID int64) ([]syncro.Contact, error) {
	s, err := c.current()
	if err != nil {
		return nil, err
	}
	idx := s.byCustomer[customerID]
	out := make([]syncro.Contact, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.contacts[i])
	}
	return out, nil
}

// AllContacts returns the flat contact set.
func (c *Cache) AllContacts() ([]syncro.Contact, error) {
	s, err := c.current()
	if err != nil {
		return nil, err
	}
	return append([]syncro.Contact(nil), s.contacts...), nil
}

// FindCustomer returns the first customer whose business name, or full
// "firstname lastname" when both are set, contains text.
func (c *Cache) FindCustomer(text string) (syncro.Customer, bool, error) {
	s, err := c.current()
	if err != nil {
		return syncro.Customer{}, false, err
	}
	needle := strings.ToLower(text)
	for _, cu := range s.customers {
		if contains(cu.BusinessName, needle) {
			return cu, true, nil
		}
		if cu.Firstname != "" && cu.Lastname != "" && contains(cu.Firstname+" "+cu.Lastname, needle) {
			return cu, true, nil
		}
	}
	return syncro.Customer{}, false, nil
}

// FindCustomerByDisplayName returns the first customer whose display name
// contains text.
func (c *Cache) FindCustomerByDisplayName(text string) (syncro.Customer, bool, error) {
	s, err := c.current()
	if err != nil {
		return syncro.Customer{}, false, err
	}
	needle := strings.ToLower(text)
	for _, cu := range s.customers {
		if contains(cu.DisplayName(), needle) {
			return cu, true, nil
		}
	}
	return syncro.Customer{}, false, nil
}

// FindContacts scans every cached contact and pairs each match with its
// customer. Contacts whose customer is not cached are skipped.
func (c *Cache) FindContacts(text string) ([]Match, error) {
	s, err := c.current()
	if err != nil {
		return nil, err
	}
	var out []Match
	for _, ct := range s.contacts {
		if !ContactMatches(&ct, text) {
			continue
		}
		i, ok := s.customerAt[ct.CustomerID]
		if !ok {
			continue
		}
		out = append(out, Match{Contact: ct, Customer: s.customers[i]})
	}
	return out, nil
}

// ContactMatches reports whether text, trimmed and lowercased, occurs in the
// contact's full name, "firstname lastname", first name or last name.
func ContactMatches(ct *syncro.Contact, text string) bool {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return false
	}
	if contains(ct.Name, needle) {
		return true
	}
	if ct.Firstname != "" && ct.Lastname != "" && contains(ct.Firstname+" "+ct.Lastname, needle) {
		return true
	}
	return contains(ct.Firstname, needle) || contains(ct.Lastname, needle)
}

// contains reports whether lowered needle occurs in haystack. An empty
// haystack never matches.
func contains(haystack, needle string) bool {
	return haystack != "" && strings.Contains(strings.ToLower(haystack), needle)
}
