package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sark-labs/sark/internal/domain/principal"
)

var hashKeySHA256 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash a gateway API key for the config file",
	Long: `Hash an API key for the auth.api_keys.key_hash config field.

The default output is an Argon2id PHC string. Pass --sha256 for the
legacy "sha256:<hex>" format, which authenticates faster but offers no
resistance to offline cracking if the config file leaks.

Example:
  sark hash-key "my-secret-api-key"
  # Output: $argon2id$v=19$m=65536,t=1,p=...

Security note: the key will appear in shell history. Consider clearing
history after use or passing an environment variable:
  sark hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if hashKeySHA256 {
			hash := sha256.Sum256([]byte(key))
			fmt.Printf("sha256:%s\n", hex.EncodeToString(hash[:]))
			return nil
		}
		phc, err := principal.HashKeyArgon2id(key)
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Println(phc)
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeySHA256, "sha256", false, "emit the legacy sha256:<hex> format")
	rootCmd.AddCommand(hashKeyCmd)
}
