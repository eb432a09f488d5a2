package cli

import (
	"bufio"
	"errors"
	"strings"

	"github.com/smallbiznis/marketpulse/internal/authorization"
	"github.com/spf13/cobra"
)

func NewAdminCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin key management",
	}

	hashKey := &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Hash an admin key for ADMIN_KEY_HASH",
		Long: `Hash an admin key for ADMIN_KEY_HASH.

The key is read from the argument, or from the first line of stdin when no
argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("admin key required")
				}
				key = line
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return errors.New("admin key required")
			}

			hash, err := authorization.HashAdminKey(key)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), rootOpts.Output, map[string]string{"admin_key_hash": hash})
		},
	}

	cmd.AddCommand(hashKey)
	return cmd
}
