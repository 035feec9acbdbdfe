package main

import (
	"testing"

	resolutiondomain "github.com/smallbiznis/hotelier/internal/resolution/domain"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSetCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "set"}
	cmd.Flags().String("prefix", "", "")
	cmd.Flags().String("type", string(resolutiondomain.DocumentTypeInvoice), "")
	cmd.Flags().String("number", "", "")
	cmd.Flags().Int64("from", 0, "")
	cmd.Flags().Int64("to", 0, "")
	cmd.Flags().String("valid-from", "", "")
	cmd.Flags().String("valid-to", "", "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestParseResolutionFlags(t *testing.T) {
	cmd := newSetCmd(t,
		"--prefix", " feh ",
		"--number", "18764000001",
		"--from", "1001",
		"--to", "5000",
		"--valid-from", "2026-01-01",
		"--valid-to", "2027-01-01",
	)

	req, err := parseResolutionFlags(cmd)

	require.NoError(t, err)
	assert.Equal(t, "FEH", req.Prefix)
	assert.Equal(t, resolutiondomain.DocumentTypeInvoice, req.DocumentType)
	assert.Equal(t, int64(1001), req.RangeFrom)
	assert.Equal(t, 2027, req.ValidTo.Year())
}

func TestParseResolutionFlagsRejectsBadInput(t *testing.T) {
	cases := map[string][]string{
		"bad date":  {"--valid-from", "01/01/2026", "--valid-to", "2027-01-01", "--from", "1", "--to", "2"},
		"bad type":  {"--type", "receipt", "--valid-from", "2026-01-01", "--valid-to", "2027-01-01", "--from", "1", "--to", "2"},
		"bad range": {"--valid-from", "2026-01-01", "--valid-to", "2027-01-01", "--from", "10", "--to", "2"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseResolutionFlags(newSetCmd(t, args...))
			assert.Error(t, err)
		})
	}
}

func TestRetryRejectsLimitBeforeBooting(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().Int("limit", 0, "")
	require.NoError(t, cmd.ParseFlags([]string{"--limit", "500"}))

	err := runRetry(cmd, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "--limit")
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["resolution"])
	assert.True(t, names["submit"])
	assert.True(t, names["retry"])
}
