package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	resolutiondomain "github.com/smallbiznis/hotelier/internal/resolution/domain"
	"github.com/spf13/cobra"
)

var resolutionCmd = &cobra.Command{
	Use:   "resolution",
	Short: "Manage numbering resolutions",
}

var resolutionSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Activate a numbering resolution for a prefix",
	Long: `Activate a numbering resolution for a prefix. The previous resolution for
the prefix is deactivated; numbers already issued are never reused.`,
	Example: `  fiscalctl resolution set --prefix FEH --number 18764000001 \
    --from 1001 --to 5000 --valid-from 2026-01-01 --valid-to 2027-01-01`,
	RunE: runResolutionSet,
}

var resolutionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active resolution and its usage",
	RunE:  runResolutionShow,
}

func init() {
	rootCmd.AddCommand(resolutionCmd)
	resolutionCmd.AddCommand(resolutionSetCmd, resolutionShowCmd)

	resolutionSetCmd.Flags().String("prefix", "", "Numbering prefix (required)")
	resolutionSetCmd.Flags().String("type", string(resolutiondomain.DocumentTypeInvoice), "Document type: invoice or credit_note")
	resolutionSetCmd.Flags().String("number", "", "Resolution number issued by the tax authority (required)")
	resolutionSetCmd.Flags().Int64("from", 0, "First authorized number (required)")
	resolutionSetCmd.Flags().Int64("to", 0, "Last authorized number (required)")
	resolutionSetCmd.Flags().String("valid-from", "", "First valid day, YYYY-MM-DD (required)")
	resolutionSetCmd.Flags().String("valid-to", "", "Last valid day, YYYY-MM-DD (required)")
	for _, name := range []string{"prefix", "number", "from", "to", "valid-from", "valid-to"} {
		_ = resolutionSetCmd.MarkFlagRequired(name)
	}

	resolutionShowCmd.Flags().String("prefix", "", "Numbering prefix (required)")
	_ = resolutionShowCmd.MarkFlagRequired("prefix")
}

func parseResolutionFlags(cmd *cobra.Command) (resolutiondomain.ConfigureRequest, error) {
	prefix, _ := cmd.Flags().GetString("prefix")
	docType, _ := cmd.Flags().GetString("type")
	number, _ := cmd.Flags().GetString("number")
	from, _ := cmd.Flags().GetInt64("from")
	to, _ := cmd.Flags().GetInt64("to")
	validFromStr, _ := cmd.Flags().GetString("valid-from")
	validToStr, _ := cmd.Flags().GetString("valid-to")

	validFrom, err := time.Parse(time.DateOnly, validFromStr)
	if err != nil {
		return resolutiondomain.ConfigureRequest{}, fmt.Errorf("invalid --valid-from, use YYYY-MM-DD: %w", err)
	}
	validTo, err := time.Parse(time.DateOnly, validToStr)
	if err != nil {
		return resolutiondomain.ConfigureRequest{}, fmt.Errorf("invalid --valid-to, use YYYY-MM-DD: %w", err)
	}

	req := resolutiondomain.ConfigureRequest{
		Prefix:           strings.ToUpper(strings.TrimSpace(prefix)),
		DocumentType:     resolutiondomain.DocumentType(strings.ToLower(strings.TrimSpace(docType))),
		ResolutionNumber: strings.TrimSpace(number),
		RangeFrom:        from,
		RangeTo:          to,
		ValidFrom:        validFrom,
		ValidTo:          validTo,
	}
	if !req.DocumentType.Valid() {
		return req, fmt.Errorf("invalid --type %q", docType)
	}
	if req.RangeFrom < 1 || req.RangeFrom > req.RangeTo {
		return req, fmt.Errorf("invalid range %d..%d", req.RangeFrom, req.RangeTo)
	}
	return req, nil
}

func runResolutionSet(cmd *cobra.Command, _ []string) error {
	req, err := parseResolutionFlags(cmd)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, d deps) error {
		res, err := d.Resolutions.Configure(ctx, req)
		if err != nil {
			return err
		}
		usage, err := d.Resolutions.Usage(ctx, res.Prefix)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"resolution": res, "usage": usage})
	})
}

func runResolutionShow(cmd *cobra.Command, _ []string) error {
	prefix, _ := cmd.Flags().GetString("prefix")
	prefix = strings.ToUpper(strings.TrimSpace(prefix))

	return withApp(cmd, func(ctx context.Context, d deps) error {
		active, err := d.Resolutions.Active(ctx, prefix)
		if err != nil {
			return err
		}
		usage, err := d.Resolutions.Usage(ctx, prefix)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"resolution": active, "usage": usage})
	})
}
