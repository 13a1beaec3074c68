package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bramblectl/bramble/internal/api"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage status API tokens",
	Long:  `Generate bearer tokens for the status API`,
}

var generateTokenCmd = &cobra.Command{
	Use:   "generate <subject>",
	Short: "Generate a status API token",
	Long: `Generate a JWT for the status API.

The token is signed with the jwt_secret from the security section of
the configuration file.

Examples:
  bramble token generate dashboard`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := api.IssueToken(cfg, args[0])
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(generateTokenCmd)
}
