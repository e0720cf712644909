// Package intake turns a free-text incident description into a ticket. It
// defines the Extractor (completion call and record validation), Resolver
// (customer/contact/asset matching against the directory), Session (review
// state machine), Submitter (create-ticket payload and result), and the
// Service that owns sessions and dispatches extraction asynchronously.
package intake
