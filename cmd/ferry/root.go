package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/smalldata-ai/ferry-sub000/internal/config"
	"github.com/smalldata-ai/ferry-sub000/internal/logging"
	"github.com/smalldata-ai/ferry-sub000/internal/metrics"
	"github.com/smalldata-ai/ferry-sub000/internal/metrics/datadog"
	"github.com/smalldata-ai/ferry-sub000/internal/metrics/prompush"

	// Every adapter is compiled in; the URI scheme picks one at run time.
	_ "github.com/smalldata-ai/ferry-sub000/internal/destination/all"
	_ "github.com/smalldata-ai/ferry-sub000/internal/source/all"
)

// app carries what the subcommands share once flags are resolved.
type app struct {
	v       *viper.Viper
	cfgFile string
	rt      config.Runtime
	log     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:           "ferry",
		Short:         "Move tables from databases, files and streams into warehouses.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "runtime config file (yaml, json or toml)")
	pf.String("data-dir", "", "root of the persisted state (default \".\")")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.Bool("log-json", false, "emit JSON logs")
	pf.String("metrics-backend", "", "metrics backend: none, pushgateway or datadog")
	pf.String("pushgateway-url", "", "Prometheus Pushgateway base URL")
	pf.String("statsd-addr", "", "DogStatsD address, e.g. 127.0.0.1:8125")
	for key, flag := range map[string]string{
		"data_dir":                "data-dir",
		"log.level":               "log-level",
		"log.json":                "log-json",
		"metrics.backend":         "metrics-backend",
		"metrics.pushgateway_url": "pushgateway-url",
		"metrics.statsd_addr":     "statsd-addr",
	} {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(
		newRunCmd(a),
		newObserveCmd(a),
		newSchemaCmd(a),
		newValidateURICmd(a),
	)
	return root
}

// init resolves the runtime config and builds the logger and metrics
// backend.
func (a *app) init() error {
	rt, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	issues := config.ValidateRuntime(rt)
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return fmt.Errorf("invalid runtime configuration")
	}
	a.rt = rt

	a.log, err = logging.New(rt.Log)
	if err != nil {
		return err
	}
	a.initMetrics()
	return nil
}

func (a *app) initMetrics() {
	m := a.rt.Metrics
	switch m.Backend {
	case "pushgateway":
		job := m.Namespace
		if job == "" {
			job = "ferry"
		}
		b, err := prompush.NewBackend(job, m.PushgatewayURL)
		if err != nil {
			a.log.Warn("metrics: pushgateway backend unavailable, using nop", zap.Error(err))
			return
		}
		metrics.SetBackend(b)
		a.log.Debug("metrics enabled", zap.String("backend", m.Backend), zap.String("url", m.PushgatewayURL))
	case "datadog":
		b, err := datadog.NewBackend(datadog.Config{Addr: m.StatsdAddr, Namespace: m.Namespace})
		if err != nil {
			a.log.Warn("metrics: datadog backend unavailable, using nop", zap.Error(err))
			return
		}
		metrics.SetBackend(b)
		a.log.Debug("metrics enabled", zap.String("backend", m.Backend), zap.String("addr", m.StatsdAddr))
	case "", "none":
	default:
		a.log.Warn("metrics: unknown backend, metrics disabled", zap.String("backend", m.Backend))
	}
}
