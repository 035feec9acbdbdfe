package main

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	fiscaldomain "github.com/smallbiznis/hotelier/internal/providers/fiscal/domain"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const maxRetryLimit = 200

var submitCmd = &cobra.Command{
	Use:   "submit <invoice-id>",
	Short: "Submit one pending invoice or credit note to the provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Run one retry sweep over pending documents that are due",
	Example: `  fiscalctl retry
  fiscalctl retry --limit 20`,
	RunE: runRetry,
}

func init() {
	rootCmd.AddCommand(submitCmd, retryCmd)
	retryCmd.Flags().Int("limit", 50, "Maximum documents to resubmit")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	id, err := snowflake.ParseString(args[0])
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid invoice id %q", args[0])
	}

	return withApp(cmd, func(ctx context.Context, d deps) error {
		invoice, err := d.Submissions.Submit(ctx, id)
		if invoice != nil {
			if printErr := printJSON(cmd.OutOrStdout(), invoice); printErr != nil {
				return printErr
			}
		}
		if fiscaldomain.IsRetryableRejection(err) {
			d.Log.Warn("submission deferred", zap.String("invoice_id", id.String()), zap.Error(err))
			return nil
		}
		return err
	})
}

func runRetry(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	if limit < 1 || limit > maxRetryLimit {
		return fmt.Errorf("--limit must be between 1 and %d", maxRetryLimit)
	}

	return withApp(cmd, func(ctx context.Context, d deps) error {
		summary, err := d.Submissions.RetryDue(ctx, limit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summary)
	})
}
