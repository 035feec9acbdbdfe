package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotelier/internal/audit"
	auditdomain "github.com/smallbiznis/hotelier/internal/audit/domain"
	"github.com/smallbiznis/hotelier/internal/auditcontext"
	"github.com/smallbiznis/hotelier/internal/clock"
	"github.com/smallbiznis/hotelier/internal/config"
	"github.com/smallbiznis/hotelier/internal/invoice"
	"github.com/smallbiznis/hotelier/internal/migration"
	"github.com/smallbiznis/hotelier/internal/observability"
	"github.com/smallbiznis/hotelier/internal/providers"
	"github.com/smallbiznis/hotelier/internal/ratelimit"
	"github.com/smallbiznis/hotelier/internal/resolution"
	resolutiondomain "github.com/smallbiznis/hotelier/internal/resolution/domain"
	"github.com/smallbiznis/hotelier/internal/sequence"
	"github.com/smallbiznis/hotelier/internal/submission"
	submissiondomain "github.com/smallbiznis/hotelier/internal/submission/domain"
	"github.com/smallbiznis/hotelier/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var version = "0.1.0"

const startTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "fiscalctl",
	Short: "Operate the hotel fiscal numbering engine",
	Long: `fiscalctl administers numbering resolutions and drives fiscal submissions
against the same database and provider the hotelier service uses.

Configuration comes from the environment (and .env), exactly as for the
service. The HTTP server and the background scheduler are not started.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("operator", defaultOperator(), "Operator recorded in the audit log")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fiscalctl: %v\n", err)
		os.Exit(1)
	}
}

// deps is the slice of the service graph the commands drive.
type deps struct {
	fx.In

	Log         *zap.Logger
	Resolutions resolutiondomain.Service
	Submissions submissiondomain.Service
}

func newApp(populate any) *fx.App {
	return fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,
		audit.Module,
		resolution.Module,
		sequence.Module,
		invoice.Module,
		providers.Module,
		submission.Module,
		fx.Populate(populate),
	)
}

// withApp boots the graph, runs fn under the operator's audit identity and
// shuts the graph down again.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, d deps) error) error {
	var d deps
	app := newApp(&d)

	startCtx, cancel := context.WithTimeout(cmd.Context(), startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), startTimeout)
		defer stopCancel()
		_ = app.Stop(stopCtx)
	}()

	operator, _ := cmd.Flags().GetString("operator")
	ctx := auditcontext.WithActor(cmd.Context(), string(auditdomain.ActorTypeCLI), operator)
	return fn(ctx, d)
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func defaultOperator() string {
	if user := strings.TrimSpace(os.Getenv("USER")); user != "" {
		return user
	}
	return "fiscalctl"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
