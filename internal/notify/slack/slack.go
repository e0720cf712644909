// Package slack posts created-ticket notifications to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ticketsmith/internal/intake"
)

const (
	maxSubjectLen = 300
	httpTimeout   = 10 * time.Second
)

// Notifier sends created tickets to a Slack webhook. It implements
// intake.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, TicketCreated is
// a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// TicketCreated posts rec to the configured Slack webhook.
func (n *Notifier) TicketCreated(ctx context.Context, rec *intake.TicketRecord) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(rec))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "ticket notification sent", "ticket_id", rec.TicketID)
	return nil
}

func buildMessage(r *intake.TicketRecord) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("Ticket %s created: %s", ticketLabel(r), r.Subject),
		"blocks": []map[string]any{
			headerBlock(r),
			{"type": "divider"},
			fieldsBlock(r),
			subjectBlock(r),
			contextBlock(r),
		},
	}
}

func headerBlock(r *intake.TicketRecord) map[string]any {
	text := fmt.Sprintf("%s Ticket %s created", categoryEmoji(r.ProblemType), ticketLabel(r))

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(r *intake.TicketRecord) map[string]any {
	ticket := escape(ticketLabel(r))
	if r.URL != "" {
		ticket = fmt.Sprintf("<%s|%s>", r.URL, ticket)
	}
	fields := []map[string]any{
		{"type": "mrkdwn", "text": "*Ticket:* " + ticket},
		{"type": "mrkdwn", "text": "*Problem type:* " + escape(string(r.ProblemType))},
		{"type": "mrkdwn", "text": "*Customer:* " + idOrDash(r.CustomerID)},
		{"type": "mrkdwn", "text": "*Contact:* " + idOrDash(r.ContactID)},
		{"type": "mrkdwn", "text": "*Asset:* " + idOrDash(r.AssetID)},
		{"type": "mrkdwn", "text": "*Model:* " + escape(shortModel(r.Model))},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func subjectBlock(r *intake.TicketRecord) map[string]any {
	text := truncate(r.Subject, maxSubjectLen)
	if text == "" {
		text = "_No subject._"
	} else {
		text = escape(text)
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": "*Subject*\n" + text,
		},
	}
}

func contextBlock(r *intake.TicketRecord) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("ticketsmith • session %s • %s", r.SessionID, r.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func ticketLabel(r *intake.TicketRecord) string {
	switch {
	case r.Number != "":
		return "#" + r.Number
	case r.TicketID != 0:
		return "#" + strconv.FormatInt(r.TicketID, 10)
	default:
		return "(no number)"
	}
}

func categoryEmoji(c intake.Category) string {
	switch c {
	case intake.CategorySecurity:
		return "\U0001f534" // red circle
	case intake.CategoryNetwork, intake.CategoryAccess:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f3ab" // ticket
	}
}

func idOrDash(id int64) string {
	if id == 0 {
		return "-"
	}
	return strconv.FormatInt(id, 10)
}

var mrkdwnEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string { return mrkdwnEscaper.Replace(s) }

// dateModelRe matches model names ending with a YYYYMMDD date suffix.
var dateModelRe = regexp.MustCompile(`-\d{8}$`)

// shortModel drops the provider prefix and date suffix of a model id.
func shortModel(model string) string {
	if i := strings.LastIndexByte(model, '/'); i >= 0 {
		model = model[i+1:]
	}
	return dateModelRe.ReplaceAllString(model, "")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
