package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/creditlock/pkg/auth"
	"github.com/Mindburn-Labs/creditlock/pkg/config"
	"github.com/Mindburn-Labs/creditlock/pkg/document"
	"github.com/Mindburn-Labs/creditlock/pkg/fault"
	"github.com/Mindburn-Labs/creditlock/pkg/form6765"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
	"github.com/Mindburn-Labs/creditlock/pkg/ruleset"
	"github.com/Mindburn-Labs/creditlock/pkg/store"
	"github.com/Mindburn-Labs/creditlock/pkg/trace"
)

func newMigrateCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return exitCode(2, err)
			}
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL, cfg.DataDir)
			if err != nil {
				return exitCode(1, err)
			}
			defer func() { _ = db.Close() }()
			if err := store.Migrate(cmd.Context(), db); err != nil {
				return exitCode(1, err)
			}
			_, _ = fmt.Fprintf(stdout, "schema up to date (%s)\n", db.Dialect)
			return nil
		},
	}
}

func newTraceCmd(stdout io.Writer) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect and hold immutable trace files",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "Trace directory (default: TRACE_DIR)")

	openLogger := func() (*trace.Logger, error) {
		if dir == "" {
			cfg, err := config.Load()
			if err != nil {
				return nil, err
			}
			dir = cfg.TraceDir
		}
		return trace.NewLogger(dir)
	}

	var jsonOut bool
	verify := &cobra.Command{
		Use:   "verify <handle>...",
		Short: "Recompute trace checksums; exits 1 if any trace is invalid",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			l, err := openLogger()
			if err != nil {
				return exitCode(2, err)
			}
			results := make([]trace.Verification, 0, len(args))
			invalid := 0
			for _, handle := range args {
				v, err := l.Verify(handle)
				if err != nil {
					return exitCode(1, fmt.Errorf("%s: %w", handle, err))
				}
				if !v.Valid {
					invalid++
				}
				results = append(results, v)
			}
			if jsonOut {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(results)
			} else {
				for _, v := range results {
					state := "VALID"
					if !v.Valid {
						state = "INVALID"
					}
					_, _ = fmt.Fprintf(stdout, "%-8s %s\n", state, v.Handle)
				}
			}
			if invalid > 0 {
				return exitCode(1, nil)
			}
			return nil
		},
	}
	verify.Flags().BoolVar(&jsonOut, "json", false, "Output results as JSON")

	var reason, by string
	freeze := &cobra.Command{
		Use:   "freeze <handle>",
		Short: "Write a legal-hold copy of a trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if reason == "" {
				return exitCode(2, errors.New("--reason is required"))
			}
			l, err := openLogger()
			if err != nil {
				return exitCode(2, err)
			}
			held, err := l.Freeze(args[0], reason, by)
			if err != nil {
				return exitCode(1, err)
			}
			log.Printf("[creditlock] trace %s frozen as %s", args[0], held)
			_, _ = fmt.Fprintln(stdout, held)
			return nil
		},
	}
	freeze.Flags().StringVar(&reason, "reason", "", "Legal hold reason (REQUIRED)")
	freeze.Flags().StringVar(&by, "by", currentUser(), "Who placed the hold")

	cmd.AddCommand(verify, freeze)
	return cmd
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// computeInput is the file read by the compute command.
type computeInput struct {
	Header         form6765.Header `json:"header"`
	Inputs         form6765.Inputs `json:"inputs"`
	RulesetVersion string          `json:"ruleset_version,omitempty"`
}

func newComputeCmd(stdout io.Writer) *cobra.Command {
	var file, rulesFile string
	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Compute Form 6765 lines from a JSON file without persisting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return exitCode(2, errors.New("--file is required"))
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return exitCode(2, err)
			}
			var in computeInput
			if err := json.Unmarshal(data, &in); err != nil {
				return exitCode(2, fmt.Errorf("parse %s: %w", file, err))
			}
			res, err := form6765.Compute(in.Header, in.Inputs)
			if err != nil {
				return exitCode(1, describe(err))
			}
			if in.RulesetVersion != "" {
				if err := checkRules(cmd.Context(), rulesFile, in.RulesetVersion, res); err != nil {
					return exitCode(1, describe(err))
				}
			}
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Request JSON with header and inputs (REQUIRED)")
	cmd.Flags().StringVar(&rulesFile, "rules", "", "YAML rulesets to register besides the built-in baseline")
	return cmd
}

func checkRules(ctx context.Context, rulesFile, version string, res form6765.Result) error {
	reg, err := ruleset.NewRegistry()
	if err != nil {
		return err
	}
	if err := reg.Register(ruleset.Default()); err != nil {
		return err
	}
	if rulesFile != "" {
		if err := reg.LoadFile(rulesFile); err != nil {
			return err
		}
	}
	return reg.Check(ctx, version, document.Facts(res))
}

// describe appends fault details so that CLI users see missing fields and violations.
func describe(err error) error {
	details := fault.DetailsOf(err)
	if len(details) == 0 {
		return err
	}
	b, _ := json.Marshal(details)
	return fmt.Errorf("%w %s", err, b)
}

func newTokenCmd(stdout io.Writer) *cobra.Command {
	var subject, name, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token using JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return exitCode(2, err)
			}
			v := auth.NewJWTValidator(cfg.JWTSecret, cfg.JWTIssuer)
			if v == nil {
				return exitCode(2, errors.New("JWT_SECRET is not set"))
			}
			r, ok := review.ParseRole(role)
			if !ok {
				return exitCode(2, fmt.Errorf("unknown role %q", role))
			}
			if subject == "" {
				return exitCode(2, errors.New("--subject is required"))
			}
			tok, err := v.Issue(subject, name, r, ttl)
			if err != nil {
				return exitCode(1, err)
			}
			_, _ = fmt.Fprintln(stdout, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (REQUIRED)")
	cmd.Flags().StringVar(&name, "name", "", "Display name recorded as reviewer_name")
	cmd.Flags().StringVar(&role, "role", string(review.RoleAnalyst), "Reviewer role")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "Token lifetime")
	return cmd
}
