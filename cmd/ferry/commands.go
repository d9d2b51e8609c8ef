package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smalldata-ai/ferry-sub000/internal/directive"
	"github.com/smalldata-ai/ferry-sub000/internal/engine"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
	"github.com/smalldata-ai/ferry-sub000/internal/uri"
)

// errReported marks failures whose details were already printed as an
// envelope.
var errReported = errors.New("request failed")

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "run -f request.json",
		Short: "Run an ingestion request and print the response envelope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			req, err := directive.Decode(in)
			if err != nil {
				return report(cmd, engine.Response("", nil, err))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			tr, err := engine.New(a.rt, a.log).Run(ctx, req)
			return report(cmd, engine.Response(req.Identity, tr, err))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "request JSON file, - for stdin")
	return cmd
}

func report(cmd *cobra.Command, env ferryerr.Envelope) error {
	if err := writeJSON(cmd.OutOrStdout(), env); err != nil {
		return err
	}
	if env.Status == ferryerr.StatusError {
		return errReported
	}
	return nil
}

func newObserveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "observe <identity>",
		Short: "Print the trace of the latest run of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := engine.New(a.rt, a.log).Observe(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), tr)
		},
	}
}

func newSchemaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <identity>",
		Short: "Print the persisted schema of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := engine.New(a.rt, a.log).Schema(args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}

func newValidateURICmd(_ *app) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "validate-uri --role source|destination <uri>",
		Short: "Check that a connection URI is well formed for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				d   uri.Descriptor
				err error
			)
			switch role {
			case "source":
				d, err = uri.ValidateSource(args[0])
			case "destination":
				d, err = uri.ValidateDestination(args[0])
			default:
				return fmt.Errorf("--role must be source or destination, got %q", role)
			}
			if err != nil {
				return report(cmd, ferryerr.ErrorEnvelope("", err))
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", d.Scheme, d.Family, d.Redacted())
			return err
		},
	}
	cmd.Flags().StringVar(&role, "role", "source", "source or destination")
	return cmd
}

