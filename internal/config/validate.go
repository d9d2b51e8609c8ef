package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError blocks execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced but does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding. Path is a dotted key into the
// runtime config (e.g. "metrics.pushgateway_url").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidateRuntime lints a resolved Runtime. It does not mutate r.
func ValidateRuntime(r Runtime) []Issue {
	var issues []Issue

	if strings.TrimSpace(r.DataDir) == "" {
		issues = append(issues, Issue{SeverityError, "data_dir", "data_dir must not be empty"})
	}
	for path, n := range map[string]int{
		"max_parallel":  r.MaxParallel,
		"queue_size":    r.QueueSize,
		"rows_per_file": r.RowsPerFile,
		"batch_size":    r.BatchSize,
	} {
		if n < 0 {
			issues = append(issues, Issue{SeverityError, path, path + " must not be negative"})
		}
	}
	if r.LoadRetries < 0 {
		issues = append(issues, Issue{SeverityError, "load_retries", "load_retries must not be negative"})
	}
	if r.PhaseTimeout > 0 && r.RequestTimeout > 0 && r.PhaseTimeout > r.RequestTimeout {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "phase_timeout",
			Message:  fmt.Sprintf("phase_timeout=%s exceeds request_timeout=%s and will never fire", r.PhaseTimeout, r.RequestTimeout),
		})
	}
	if r.BatchSize > 0 && r.RowsPerFile > 0 && r.BatchSize > r.RowsPerFile*4 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "batch_size",
			Message:  "batch_size is much larger than rows_per_file; stage writes will flush per file",
		})
	}
	if _, err := zapcore.ParseLevel(r.Log.Level); r.Log.Level != "" && err != nil {
		issues = append(issues, Issue{SeverityError, "log.level", fmt.Sprintf("unknown log level %q", r.Log.Level)})
	}

	switch r.Metrics.Backend {
	case "", "none":
	case "pushgateway":
		if _, err := url.ParseRequestURI(r.Metrics.PushgatewayURL); err != nil {
			issues = append(issues, Issue{SeverityError, "metrics.pushgateway_url", "pushgateway backend requires a valid pushgateway_url"})
		}
	case "datadog":
		if strings.TrimSpace(r.Metrics.StatsdAddr) == "" {
			issues = append(issues, Issue{SeverityError, "metrics.statsd_addr", "datadog backend requires statsd_addr"})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "metrics.backend",
			Message:  fmt.Sprintf("unknown metrics backend %q; metrics disabled", r.Metrics.Backend),
		})
	}
	return issues
}
