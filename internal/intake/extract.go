package intake

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
)

var tracer = otel.Tracer("github.com/linnemanlabs/ticketsmith/internal/intake")

const (
	// MaxSubjectLen caps the extracted subject line, in characters.
	MaxSubjectLen = 80

	extractTemperature = 0.3
	extractMaxTokens   = 500
)

var fencePattern = regexp.MustCompile("```(?:json)?\n?")

// ExtractHooks are optional callbacks fired after each completion call.
type ExtractHooks struct {
	OnCompletion func(model string, usage Usage, duration time.Duration, err error)
}

// Extractor turns descriptions into ExtractedRecords via a Completer.
type Extractor struct {
	completer Completer
	logger    log.Logger
	hooks     ExtractHooks
}

// NewExtractor creates an extractor over c.
func NewExtractor(c Completer, logger log.Logger, hooks ExtractHooks) *Extractor {
	if logger == nil {
		logger = log.Nop()
	}
	return &Extractor{completer: c, logger: logger, hooks: hooks}
}

// Extract asks the completion service to read description and validates the
// reply. Errors are *ExtractionError, or ErrNotConfigured without a backend.
func (e *Extractor) Extract(ctx context.Context, description, model string) (*ExtractedRecord, error) {
	if e.completer == nil {
		return nil, ErrNotConfigured
	}

	ctx, span := tracer.Start(ctx, "intake.Extract")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model))

	start := time.Now()
	resp, err := e.completer.Complete(ctx, &CompletionRequest{
		Model:       model,
		Prompt:      buildExtractionPrompt(description),
		Temperature: extractTemperature,
		MaxTokens:   extractMaxTokens,
	})
	if e.hooks.OnCompletion != nil {
		var usage Usage
		if resp != nil {
			usage = resp.Usage
		}
		e.hooks.OnCompletion(model, usage, time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrNotConfigured) {
			return nil, err
		}
		kind := ErrTransport
		if errors.Is(err, ErrShapeMismatch) {
			kind = ErrShapeMismatch
		}
		return nil, &ExtractionError{Kind: kind, Err: err}
	}

	rec, err := ParseExtraction(resp.Content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn(ctx, "unparseable extraction", "error", err, "model", model, "content_len", len(resp.Content))
		return nil, err
	}

	e.logger.Info(ctx, "description extracted",
		"model", model,
		"organization", rec.Organization,
		"user", rec.User,
		"computer_reference", rec.ComputerReference,
		"problem_type", rec.ProblemType,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	return rec, nil
}

// extractionFields are the keys every reply must carry.
var extractionFields = []string{"organization", "user", "computer_reference", "subject", "issue", "problem_type"}

// ParseExtraction strips code fences from a completion reply and reads the
// six record fields. A reply missing any of them is a shape mismatch. The
// problem type is normalized and the subject capped.
func ParseExtraction(content string) (*ExtractedRecord, error) {
	cleaned := strings.TrimSpace(fencePattern.ReplaceAllString(strings.TrimSpace(content), ""))
	if cleaned == "" {
		return nil, &ExtractionError{Kind: ErrShapeMismatch, Err: errors.New("empty message content")}
	}
	if !gjson.Valid(cleaned) {
		return nil, &ExtractionError{Kind: ErrShapeMismatch, Err: errors.New("content is not valid json")}
	}
	doc := gjson.Parse(cleaned)
	if !doc.IsObject() {
		return nil, &ExtractionError{Kind: ErrShapeMismatch, Err: fmt.Errorf("content is a json %s, not an object", doc.Type)}
	}
	var missing []string
	for _, k := range extractionFields {
		if !doc.Get(k).Exists() {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, &ExtractionError{Kind: ErrShapeMismatch, Err: fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))}
	}

	rec := &ExtractedRecord{
		Organization:      strings.TrimSpace(doc.Get("organization").String()),
		User:              strings.TrimSpace(doc.Get("user").String()),
		ComputerReference: doc.Get("computer_reference").Bool(),
		Subject:           truncateRunes(strings.TrimSpace(doc.Get("subject").String()), MaxSubjectLen),
		Issue:             strings.TrimSpace(doc.Get("issue").String()),
		ProblemType:       NormalizeCategory(strings.TrimSpace(doc.Get("problem_type").String())),
	}
	return rec, nil
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}

func buildExtractionPrompt(description string) string {
	var b strings.Builder
	b.WriteString(`You read helpdesk requests for a managed service provider and extract ticket fields.

From the ticket description below, extract:
1. organization: the customer company name, or "" when none is mentioned
2. user: the person reporting or experiencing the issue, or "" when none is mentioned
3. computer_reference: true when the description refers to the person's computer, laptop, desktop, workstation or a similar device, otherwise false
4. subject: a short ticket subject, at most 80 characters
5. issue: the issue restated clearly and professionally, without person or company names
6. problem_type: exactly one of these values:
`)
	for _, c := range Categories {
		fmt.Fprintf(&b, "   - %q\n", string(c))
	}
	b.WriteString(`
Examples:
- "John called about his computer not working": user "John", organization "", computer_reference true
- "Sarah from ABC Corp said her email isn't working": user "Sarah", organization "ABC Corp", computer_reference false
- "The server at XYZ Company is down": user "", organization "XYZ Company", computer_reference false

Ticket description:
"`)
	b.WriteString(description)
	b.WriteString(`"

Reply with a single raw JSON object and nothing else:
{"organization": "", "user": "", "computer_reference": false, "subject": "", "issue": "", "problem_type": ""}`)
	return b.String()
}
