package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sark-labs/sark/internal/domain/mfa"
)

var totpCmd = &cobra.Command{
	Use:   "totp [base32-secret]",
	Short: "Print the current TOTP code for an enrolled secret",
	Long: `Print the current 6-digit TOTP code for a base32 secret.

Useful for testing MFA flows against a gateway without a phone
authenticator: enroll via POST /admin/api/mfa/enroll, feed the returned
secret to this command, and submit the code.

Example:
  sark totp JBSWY3DPEHPK3PXP`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := mfa.GenerateTOTP(args[0], time.Now())
		if err != nil {
			return fmt.Errorf("generate code: %w", err)
		}
		fmt.Println(code)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(totpCmd)
}
