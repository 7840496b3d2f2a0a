package classify

import (
	"strings"
)

// Category buckets a run failure by what the user has to do about it.
type Category string

const (
	// CategoryInstallation means the provider backend is missing or broken
	// on this host.
	CategoryInstallation Category = "installation"

	// CategoryAuth means credentials are missing, expired, or rejected.
	CategoryAuth Category = "auth"

	// CategoryRateLimit means the provider throttled the request.
	CategoryRateLimit Category = "rate_limit"

	// CategoryBilling means the account is out of credit or payment failed.
	CategoryBilling Category = "billing"

	// CategoryNetwork means a transient transport failure.
	CategoryNetwork Category = "network"

	// CategoryStream is the fallback for diagnostics nothing else matched.
	CategoryStream Category = "stream"
)

// Classification is the outcome of classifying one raw diagnostic.
type Classification struct {
	Category    Category
	Message     string
	Remediation string
	Retryable   bool

	// Raw is the unmodified provider diagnostic.
	Raw string
}

// Error satisfies the error interface so a Classification can flow through
// error returns.
func (c *Classification) Error() string {
	return c.Message
}

type rule struct {
	category    Category
	message     string
	remediation string
	retryable   bool
	match       func(string) bool
}

func containsAny(substrs ...string) func(string) bool {
	return func(raw string) bool {
		for _, s := range substrs {
			if strings.Contains(raw, s) {
				return true
			}
		}
		return false
	}
}

// Classifier matches raw diagnostics against an ordered rule chain.
type Classifier struct {
	rules []rule
}

// NewClassifier builds the default rule chain. Order matters: earlier rules
// win, and installation problems must be recognized before the generic
// network bucket catches their exec errors.
func NewClassifier() *Classifier {
	return &Classifier{rules: []rule{
		{
			category:    CategoryInstallation,
			message:     "provider backend is not installed or not on PATH",
			remediation: "Install the agent CLI and ensure it is on PATH, then retry the feature.",
			match: containsAny(
				"executable file not found",
				"command not found",
				"not installed",
				"no such file or directory",
			),
		},
		{
			category:    CategoryAuth,
			message:     "provider rejected the credentials",
			remediation: "Check the configured API key or re-run the backend's login flow.",
			match: containsAny(
				"401",
				"unauthorized",
				"authentication_error",
				"invalid api key",
				"invalid x-api-key",
				"not logged in",
				"oauth token has expired",
			),
		},
		{
			category:    CategoryRateLimit,
			message:     "provider rate limit exceeded",
			remediation: "Lower scheduler concurrency or wait for the rate limit window to reset.",
			match: containsAny(
				"429",
				"rate_limit_error",
				"rate limit",
				"too many requests",
			),
		},
		{
			category:    CategoryBilling,
			message:     "provider account has a billing problem",
			remediation: "Check the account's credit balance and payment method.",
			match: containsAny(
				"402",
				"billing",
				"credit balance is too low",
				"payment required",
				"insufficient credits",
			),
		},
		{
			category:    CategoryNetwork,
			message:     "transient network failure talking to the provider",
			remediation: "The run is retried automatically; check connectivity if it keeps failing.",
			retryable:   true,
			match: containsAny(
				"connection refused",
				"connection reset",
				"i/o timeout",
				"timeout awaiting response",
				"tls handshake",
				"no such host",
				"network is unreachable",
				"unexpected eof",
				"broken pipe",
				"502",
				"503",
				"504",
				"overloaded_error",
				"api_error",
			),
		},
	}}
}

// Classify runs the chain over a raw diagnostic. Unmatched input falls
// through to CategoryStream with the raw text as the message.
func (c *Classifier) Classify(raw string) *Classification {
	lowered := strings.ToLower(raw)
	for _, r := range c.rules {
		if r.match(lowered) {
			return &Classification{
				Category:    r.category,
				Message:     r.message,
				Remediation: r.remediation,
				Retryable:   r.retryable,
				Raw:         raw,
			}
		}
	}
	return &Classification{
		Category:    CategoryStream,
		Message:     firstLine(raw),
		Remediation: "Inspect the raw diagnostic on the feature and reset it to retry.",
		Raw:         raw,
	}
}

// ClassifyError is Classify over err.Error(); nil in, nil out.
func (c *Classifier) ClassifyError(err error) *Classification {
	if err == nil {
		return nil
	}
	return c.Classify(err.Error())
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "provider stream failed"
	}
	return s
}
