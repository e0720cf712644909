package cfg

import (
	"errors"
	"flag"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Completion providers.
const (
	ProviderOpenRouter = "openrouter"
	ProviderClaude     = "claude"
)

// Default models per provider, used when -default-model is empty.
const (
	DefaultOpenRouterModel = "openai/gpt-4o-mini"
	DefaultClaudeModel     = "claude-3-5-haiku-latest"
)

var subdomainRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	Provider          string
	OpenRouterAPIKey  string
	OpenRouterReferer string
	ClaudeAPIKey      string
	DefaultModel      string
	ExtractTimeout    time.Duration

	SyncroAPIKey    string
	SyncroSubdomain string
	ShieldDomain    bool
	SyncroRateLimit float64
	SyncroBurst     int

	DirectoryRefresh     time.Duration
	DirectoryConcurrency int

	PanelToken     string
	AllowedOrigins string
	SessionTTL     time.Duration
	SweepInterval  time.Duration

	DatabaseURL     string
	TicketLogSize   int
	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 15, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 30, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.Provider, "provider", ProviderOpenRouter, "completion provider (openrouter|claude)")
	fs.StringVar(&c.OpenRouterAPIKey, "openrouter-api-key", "", "OpenRouter API key")
	fs.StringVar(&c.OpenRouterReferer, "openrouter-referer", "", "HTTP-Referer sent to OpenRouter for attribution")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "Anthropic API key (provider claude)")
	fs.StringVar(&c.DefaultModel, "default-model", "", "model used when the panel names none (empty = provider default)")
	fs.DurationVar(&c.ExtractTimeout, "extract-timeout", 90*time.Second, "upper bound for one describe run, directory wait included")

	fs.StringVar(&c.SyncroAPIKey, "syncro-api-key", "", "Syncro API key")
	fs.StringVar(&c.SyncroSubdomain, "syncro-subdomain", "", "Syncro tenant subdomain (<sub>.syncromsp.com)")
	fs.BoolVar(&c.ShieldDomain, "shield-domain", true, "link created tickets on <sub>.shield.syncromsp.com")
	fs.Float64Var(&c.SyncroRateLimit, "syncro-rate-limit", 3, "Syncro requests per second (0 = unlimited)")
	fs.IntVar(&c.SyncroBurst, "syncro-burst", 6, "Syncro request burst size")

	fs.DurationVar(&c.DirectoryRefresh, "directory-refresh", 30*time.Minute, "directory reload interval (0 = load once)")
	fs.IntVar(&c.DirectoryConcurrency, "directory-concurrency", 8, "parallel contact listings during a directory load (1..64)")

	fs.StringVar(&c.PanelToken, "panel-token", "", "bearer token the panel must present")
	fs.StringVar(&c.AllowedOrigins, "allowed-origins", "https://*.syncromsp.com", "comma separated origins allowed to call the API")
	fs.DurationVar(&c.SessionTTL, "session-ttl", 2*time.Hour, "idle time after which a session is dropped")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", 5*time.Minute, "how often idle sessions are swept")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory ticket log)")
	fs.IntVar(&c.TicketLogSize, "ticket-log-size", 500, "entries kept by the in-memory ticket log")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for created-ticket notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
// Missing service credentials are not an error here; they are reported to the
// panel when an action needs them.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.Provider != ProviderOpenRouter && c.Provider != ProviderClaude {
		errs = append(errs, fmt.Errorf("invalid PROVIDER %q (must be %s or %s)", c.Provider, ProviderOpenRouter, ProviderClaude))
	}
	if c.ExtractTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid EXTRACT_TIMEOUT %s (must be positive)", c.ExtractTimeout))
	}

	if c.SyncroSubdomain != "" && !subdomainRe.MatchString(c.SyncroSubdomain) {
		errs = append(errs, fmt.Errorf("invalid SYNCRO_SUBDOMAIN %q (must be a lowercase dns label)", c.SyncroSubdomain))
	}
	if c.SyncroRateLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid SYNCRO_RATE_LIMIT %g (must be >= 0)", c.SyncroRateLimit))
	}
	if c.SyncroRateLimit > 0 && c.SyncroBurst < 1 {
		errs = append(errs, fmt.Errorf("invalid SYNCRO_BURST %d (must be >= 1)", c.SyncroBurst))
	}

	if c.DirectoryRefresh < 0 {
		errs = append(errs, fmt.Errorf("invalid DIRECTORY_REFRESH %s (must be >= 0)", c.DirectoryRefresh))
	}
	if c.DirectoryConcurrency < 1 || c.DirectoryConcurrency > 64 {
		errs = append(errs, fmt.Errorf("invalid DIRECTORY_CONCURRENCY %d (must be 1..64)", c.DirectoryConcurrency))
	}

	// The API exposes customer data, so it is never served without a token.
	if c.PanelToken == "" {
		errs = append(errs, errors.New("PANEL_TOKEN is required"))
	}
	if len(c.Origins()) == 0 {
		errs = append(errs, errors.New("ALLOWED_ORIGINS must name at least one origin"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("invalid SESSION_TTL %s (must be positive)", c.SessionTTL))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL %s (must be positive)", c.SweepInterval))
	}

	if c.TicketLogSize < 1 {
		errs = append(errs, fmt.Errorf("invalid TICKET_LOG_SIZE %d (must be >= 1)", c.TicketLogSize))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Origins splits AllowedOrigins on commas, dropping blanks.
func (c *Config) Origins() []string {
	var out []string
	for o := range strings.SplitSeq(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Model is the default model, falling back to the provider's.
func (c *Config) Model() string {
	if c.DefaultModel != "" {
		return c.DefaultModel
	}
	if c.Provider == ProviderClaude {
		return DefaultClaudeModel
	}
	return DefaultOpenRouterModel
}

// CompletionKey returns the API key of the selected provider.
func (c *Config) CompletionKey() string {
	if c.Provider == ProviderClaude {
		return c.ClaudeAPIKey
	}
	return c.OpenRouterAPIKey
}

// MissingCredentials names the credentials a describe needs that are unset.
func (c *Config) MissingCredentials() []string {
	var missing []string
	if c.CompletionKey() == "" {
		missing = append(missing, c.Provider+" api key")
	}
	if c.SyncroAPIKey == "" {
		missing = append(missing, "syncro api key")
	}
	if c.SyncroSubdomain == "" {
		missing = append(missing, "syncro subdomain")
	}
	return missing
}
