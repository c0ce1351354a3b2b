package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abcotronics/docreply/internal/email/inbound/postmaster"
	"github.com/abcotronics/docreply/internal/email/inbound/provider"
)

var reprocessForceFlag bool

var reprocessCmd = &cobra.Command{
	Use:   "reprocess EMAIL_ID...",
	Short: "Run received emails through the reply pipeline again",
	Long: `Reprocess fetches each received email from the provider and threads it
as if its webhook had just arrived. Emails that already produced a comment are
skipped unless --force is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReprocess,
}

func init() {
	reprocessCmd.Flags().BoolVar(&reprocessForceFlag, "force", false, "Process even if a comment for the email exists")
}

func runReprocess(cmd *cobra.Command, args []string) error {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if !cfg.Resend.HasResendKey() {
		return fmt.Errorf("RESEND_API_KEY is required to reprocess replies")
	}
	a, err := newApp(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	failed := 0
	for _, id := range args {
		id = strings.TrimSpace(id)
		env := provider.ReplyEnvelope{Kind: provider.EnvelopeEmailReceived, Type: "email.received", EmailID: id}
		res, err := a.processor.Process(cmd.Context(), postmaster.Input{Envelope: env, Force: reprocessForceFlag})
		if err != nil {
			logger.Printf("reprocess %s: %v", id, err)
			failed++
			continue
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d emails failed", failed, len(args))
	}
	return nil
}
