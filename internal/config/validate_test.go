package config

import (
	"testing"
	"time"
)

func TestValidateRuntime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Runtime)
		wantPath  string
		wantError bool
	}{
		{"defaults are clean", func(*Runtime) {}, "", false},
		{"negative queue", func(r *Runtime) { r.QueueSize = -1 }, "queue_size", true},
		{"bad level", func(r *Runtime) { r.Log.Level = "loud" }, "log.level", true},
		{"pushgateway without url", func(r *Runtime) { r.Metrics.Backend = "pushgateway" }, "metrics.pushgateway_url", true},
		{"datadog without addr", func(r *Runtime) { r.Metrics.Backend = "datadog" }, "metrics.statsd_addr", true},
		{"unknown backend warns", func(r *Runtime) { r.Metrics.Backend = "graphite" }, "metrics.backend", false},
		{"phase longer than request", func(r *Runtime) {
			r.RequestTimeout = time.Minute
			r.PhaseTimeout = time.Hour
		}, "phase_timeout", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rt := Defaults()
			tt.mutate(&rt)
			issues := ValidateRuntime(rt)

			if tt.wantPath == "" {
				if len(issues) != 0 {
					t.Fatalf("unexpected issues: %v", issues)
				}
				return
			}
			found := false
			for _, iss := range issues {
				if iss.Path == tt.wantPath {
					found = true
				}
			}
			if !found {
				t.Fatalf("no issue at %q in %v", tt.wantPath, issues)
			}
			if HasErrors(issues) != tt.wantError {
				t.Fatalf("HasErrors=%v; want %v (%v)", HasErrors(issues), tt.wantError, issues)
			}
		})
	}
}
