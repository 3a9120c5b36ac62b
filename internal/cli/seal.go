package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/config"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/crypto"
)

// NewSealTokenCommand creates the seal-token command. The output replaces the
// plain auth_token in the config file or POS_AUTH_TOKEN.
func NewSealTokenCommand(opts *RootOptions) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "seal-token",
		Short: "Encrypt an auth token for this device",
		Long: `seal-token encrypts an auth token with a key bound to the configured partner
and device ids. Reads the token from --token or the first line of stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}

			if token == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return WrapExitError(ExitCommandError, "failed to read token", err)
				}
				token = strings.TrimSpace(line)
			}

			sealed, err := crypto.SealToken(token, cfg.Identity.PartnerID, cfg.Identity.DeviceID)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to seal token", err)
			}

			out := &Output{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(map[string]string{"auth_token": sealed}, func(w io.Writer) {
				fmt.Fprintln(w, sealed)
			})
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "token to seal (read from stdin when empty)")
	return cmd
}
