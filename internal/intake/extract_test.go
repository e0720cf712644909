package intake

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

const johnReply = `{"organization": "", "user": "John", "computer_reference": true,
"subject": "Computer not working", "issue": "Computer does not turn on.", "problem_type": "Hardware"}`

func TestExtract_Success(t *testing.T) {
	t.Parallel()

	comp := &mockCompleter{content: johnReply}
	var hookModel string
	var hookUsage Usage
	ex := NewExtractor(comp, log.Nop(), ExtractHooks{OnCompletion: func(model string, u Usage, _ time.Duration, err error) {
		hookModel, hookUsage = model, u
		if err != nil {
			t.Errorf("hook err = %v", err)
		}
	}})

	rec, err := ex.Extract(context.Background(), "John called about his computer not working", "openai/gpt-4o-mini")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.User != "John" || rec.Organization != "" || !rec.ComputerReference {
		t.Errorf("record = %+v", rec)
	}
	if rec.ProblemType != CategoryHardware {
		t.Errorf("problem type = %q", rec.ProblemType)
	}

	if comp.last.Model != "openai/gpt-4o-mini" || comp.last.Temperature != 0.3 || comp.last.MaxTokens != 500 {
		t.Errorf("request = %+v", comp.last)
	}
	if !strings.Contains(comp.last.Prompt, `"John called about his computer not working"`) {
		t.Error("prompt does not embed the description")
	}
	for _, c := range Categories {
		if !strings.Contains(comp.last.Prompt, string(c)) {
			t.Errorf("prompt is missing category %q", c)
		}
	}
	if hookModel != "openai/gpt-4o-mini" || hookUsage.InputTokens != 300 {
		t.Errorf("hook saw %q / %+v", hookModel, hookUsage)
	}
}

func TestExtract_TransportError(t *testing.T) {
	t.Parallel()

	ex := NewExtractor(&mockCompleter{err: errBoom}, log.Nop(), ExtractHooks{})
	_, err := ex.Extract(context.Background(), "x", "m")

	var xe *ExtractionError
	if !errors.As(err, &xe) {
		t.Fatalf("err = %v, want *ExtractionError", err)
	}
	if !errors.Is(err, ErrTransport) || errors.Is(err, ErrShapeMismatch) {
		t.Errorf("err = %v, want transport kind only", err)
	}
	if !errors.Is(err, errBoom) {
		t.Error("underlying error not preserved")
	}
}

func TestExtract_BackendShapeError(t *testing.T) {
	t.Parallel()

	ex := NewExtractor(&mockCompleter{err: errors.Join(ErrShapeMismatch, errors.New("no choices"))}, log.Nop(), ExtractHooks{})
	_, err := ex.Extract(context.Background(), "x", "m")
	if !errors.Is(err, ErrShapeMismatch) || errors.Is(err, ErrTransport) {
		t.Errorf("err = %v, want shape kind only", err)
	}
}

func TestExtract_NoBackend(t *testing.T) {
	t.Parallel()

	ex := NewExtractor(nil, log.Nop(), ExtractHooks{})
	if _, err := ex.Extract(context.Background(), "x", "m"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestParseExtraction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    ExtractedRecord
	}{
		{
			name:    "fenced json",
			content: "```json\n" + johnReply + "\n```",
			want:    ExtractedRecord{User: "John", ComputerReference: true, Subject: "Computer not working", Issue: "Computer does not turn on.", ProblemType: CategoryHardware},
		},
		{
			name:    "bare fence",
			content: "```\n{\"organization\":\"ABC Corp\",\"user\":\"Sarah\",\"computer_reference\":false,\"subject\":\"\",\"issue\":\"\",\"problem_type\":\"email\"}\n```",
			want:    ExtractedRecord{Organization: "ABC Corp", User: "Sarah", ProblemType: CategoryOther},
		},
		{
			name:    "keyword category",
			content: `{"organization":"","user":"","computer_reference":false,"subject":"","issue":"","problem_type":"Malware infection"}`,
			want:    ExtractedRecord{ProblemType: CategorySecurity},
		},
		{
			name:    "string boolean",
			content: `{"organization":"","user":"","computer_reference":"true","subject":"","issue":"","problem_type":""}`,
			want:    ExtractedRecord{ComputerReference: true, ProblemType: CategoryOther},
		},
		{
			name:    "trims fields",
			content: `{"organization":"  Acme  ","user":" Bob ","computer_reference":false,"subject":" s ","issue":" i ","problem_type":" Software "}`,
			want:    ExtractedRecord{Organization: "Acme", User: "Bob", Subject: "s", Issue: "i", ProblemType: CategorySoftware},
		},
	}
	for _, tt := range tests {
		got, err := ParseExtraction(tt.content)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if *got != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.name, *got, tt.want)
		}
	}
}

func TestParseExtraction_ShapeMismatch(t *testing.T) {
	t.Parallel()

	for _, content := range []string{
		"",
		"```json\n```",
		"Sure! Here is the ticket.",
		`["not", "an", "object"]`,
		`{"organization": "unterminated`,
		`{"answer":"hello"}`,
		`{"organization":"Acme","user":"John","subject":"s","issue":"i","problem_type":"Hardware"}`,
	} {
		_, err := ParseExtraction(content)
		if !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("ParseExtraction(%q) err = %v, want ErrShapeMismatch", content, err)
		}
	}
}

func TestParseExtraction_NamesMissingFields(t *testing.T) {
	t.Parallel()

	_, err := ParseExtraction(`{"organization":"Acme","user":"John","problem_type":"Hardware"}`)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}
	if !strings.Contains(err.Error(), "computer_reference, subject, issue") {
		t.Errorf("error %q does not name the missing fields", err)
	}
}

func TestParseExtraction_CapsSubject(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 120)
	rec, err := ParseExtraction(`{"organization":"","user":"","computer_reference":false,"subject":"` + long + `","issue":"","problem_type":"Other"}`)
	if err != nil {
		t.Fatal(err)
	}
	if n := len([]rune(rec.Subject)); n != MaxSubjectLen {
		t.Errorf("subject runes = %d, want %d", n, MaxSubjectLen)
	}
}
