// Package config defines the runtime configuration of the ferry engine and a
// small helper for free-form option bags.
//
// Runtime values resolve with the usual precedence: explicit flag, then
// FERRY_* environment variable, then config file, then the defaults below.
// Resolution is done with viper; the struct stays a plain value so the engine
// can be constructed in tests without touching the environment.
//
// Example config file (YAML):
//
//	data_dir: /var/lib/ferry
//	max_parallel: 4
//	queue_size: 2048
//	snapshot_period: 2s
//	log:
//	  level: info
//	  json: true
//	metrics:
//	  backend: pushgateway
//	  pushgateway_url: http://pushgateway:9091
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Runtime controls concurrency, batching, persisted-state location and
// deadlines for the engine.
type Runtime struct {
	// DataDir is the root under which .schemas, .state, .traces, .packages
	// and logs are kept.
	DataDir string `mapstructure:"data_dir" json:"data_dir"`

	// MaxParallel bounds the number of resources processed concurrently
	// within one request.
	MaxParallel int `mapstructure:"max_parallel" json:"max_parallel"`

	// QueueSize is the capacity of the bounded queue between EXTRACT and
	// NORMALIZE for one resource.
	QueueSize int `mapstructure:"queue_size" json:"queue_size"`

	// RowsPerFile is the partition size of normalized load files.
	RowsPerFile int `mapstructure:"rows_per_file" json:"rows_per_file"`

	// BatchSize is the number of rows per stage-write flush.
	BatchSize int `mapstructure:"batch_size" json:"batch_size"`

	SnapshotPeriod time.Duration `mapstructure:"snapshot_period" json:"snapshot_period"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	PhaseTimeout   time.Duration `mapstructure:"phase_timeout" json:"phase_timeout"`

	// LoadRetries is the number of additional attempts for a failed
	// destination open or plan application. Zero disables retry.
	LoadRetries   int           `mapstructure:"load_retries" json:"load_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval" json:"retry_interval"`

	// PseudonymizeSalt is prepended to values before hashing.
	PseudonymizeSalt string `mapstructure:"pseudonymize_salt" json:"-"`

	Log     Log     `mapstructure:"log" json:"log"`
	Metrics Metrics `mapstructure:"metrics" json:"metrics"`
}

// Log configures the process logger.
type Log struct {
	Level string `mapstructure:"level" json:"level"`
	JSON  bool   `mapstructure:"json" json:"json"`
}

// Metrics selects and configures the metrics backend.
type Metrics struct {
	Backend        string `mapstructure:"backend" json:"backend"` // none | pushgateway | datadog
	PushgatewayURL string `mapstructure:"pushgateway_url" json:"pushgateway_url"`
	StatsdAddr     string `mapstructure:"statsd_addr" json:"statsd_addr"`
	Namespace      string `mapstructure:"namespace" json:"namespace"`
}

// Defaults returns the built-in runtime configuration.
func Defaults() Runtime {
	return Runtime{
		DataDir:        ".",
		MaxParallel:    4,
		QueueSize:      1024,
		RowsPerFile:    50000,
		BatchSize:      10000,
		SnapshotPeriod: time.Second,
		LoadRetries:    2,
		RetryInterval:  500 * time.Millisecond,
		Log:            Log{Level: "info"},
		Metrics:        Metrics{Backend: "none"},
	}
}

// SetDefaults registers Defaults on v so env and file values layer on top.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("max_parallel", d.MaxParallel)
	v.SetDefault("queue_size", d.QueueSize)
	v.SetDefault("rows_per_file", d.RowsPerFile)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("snapshot_period", d.SnapshotPeriod)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("phase_timeout", d.PhaseTimeout)
	v.SetDefault("load_retries", d.LoadRetries)
	v.SetDefault("retry_interval", d.RetryInterval)
	v.SetDefault("pseudonymize_salt", "")
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("metrics.backend", d.Metrics.Backend)
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.statsd_addr", "")
	v.SetDefault("metrics.namespace", "")
}

// Load resolves a Runtime from v. When file is non-empty it is read first.
// Environment variables use the FERRY_ prefix with "." mapped to "_",
// e.g. FERRY_MAX_PARALLEL or FERRY_LOG_LEVEL.
func Load(v *viper.Viper, file string) (Runtime, error) {
	SetDefaults(v)
	v.SetEnvPrefix("FERRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Runtime{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var rt Runtime
	if err := v.Unmarshal(&rt); err != nil {
		return Runtime{}, fmt.Errorf("decode config: %w", err)
	}
	rt.fill()
	return rt, nil
}

// fill replaces non-positive sizes with defaults.
func (r *Runtime) fill() {
	d := Defaults()
	r.MaxParallel = pickInt(r.MaxParallel, d.MaxParallel)
	r.QueueSize = pickInt(r.QueueSize, d.QueueSize)
	r.RowsPerFile = pickInt(r.RowsPerFile, d.RowsPerFile)
	r.BatchSize = pickInt(r.BatchSize, d.BatchSize)
	if r.SnapshotPeriod <= 0 {
		r.SnapshotPeriod = d.SnapshotPeriod
	}
	if r.DataDir == "" {
		r.DataDir = d.DataDir
	}
}

// Normalized returns r with zero sizes replaced by defaults.
func (r Runtime) Normalized() Runtime {
	r.fill()
	return r
}

// pickInt chooses a when positive, otherwise b.
func pickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

// Options is a small helper to fetch typed values from arbitrary JSON maps.
// It performs only minimal coercion and returns the provided default when a
// key is absent or of an unexpected type. Source options on a resource
// directive (kafka batch sizes, csv delimiters) use it.
type Options map[string]any

// String returns the string value for key or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def. The strings "true" and
// "false" are accepted too.
func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers decode as float64,
// so float64 is accepted and truncated.
func (o Options) Int(key string, def int) int {
	switch n := o[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return int(f)
		}
	}
	return def
}

// Duration returns a duration for key. Strings are parsed with
// time.ParseDuration; numbers are read as seconds.
func (o Options) Duration(key string, def time.Duration) time.Duration {
	switch v := o[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}

// Rune returns the first rune of a string value for key, or def.
func (o Options) Rune(key string, def rune) rune {
	if s, ok := o[key].(string); ok && len(s) > 0 {
		return []rune(s)[0]
	}
	return def
}

// StringSlice returns a []string for key when the value is an array of
// strings. Returns nil when the key is missing or not an array.
func (o Options) StringSlice(key string) []string {
	switch vv := o[key].(type) {
	case []any:
		out := make([]string, 0, len(vv))
		for _, x := range vv {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return vv
	}
	return nil
}

// StringMap returns a map[string]string for key, ignoring non-string values.
func (o Options) StringMap(key string) map[string]string {
	res := map[string]string{}
	if m, ok := o[key].(map[string]any); ok {
		for k, vv := range m {
			if s, ok := vv.(string); ok {
				res[k] = s
			}
		}
	}
	return res
}

// UnmarshalJSON decodes a missing or null object into an empty, non-nil map.
func (o *Options) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	var tmp map[string]any
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
