package cli

import (
	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/remote"
)

// NewLoginCommand creates the login command. Sign-in itself happens in the
// host application; this stores the token pair it obtained.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		userID string
		pair   remote.TokenPair
	)
	cmd := &cobra.Command{
		Use:          "login",
		Short:        "Store a signed-in session for sync",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pair.AccessToken == "" || pair.RefreshToken == "" {
				return apperrors.New(apperrors.ErrValidation, "--access and --refresh are required")
			}
			a, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Auth.SetCredentials(commandContext(cmd), userID, pair); err != nil {
				return err
			}
			p := rootOpts.printer(cmd)
			creds := a.Auth.Current()
			if p.JSON() {
				return p.Emit(map[string]any{"user_id": creds.UserID, "expires_at": creds.ExpiresAt})
			}
			p.Line("Signed in; access token valid until %s.", formatTime(creds.ExpiresAt))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&pair.AccessToken, "access", "", "access token")
	cmd.Flags().StringVar(&pair.RefreshToken, "refresh", "", "refresh token")
	cmd.Flags().Int64Var(&pair.ExpiresIn, "expires-in", 0, "access token lifetime in seconds (read from the token when 0)")
	return cmd
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "logout",
		Short:        "Forget the stored session",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			a.Auth.Invalidate(commandContext(cmd))
			rootOpts.printer(cmd).Line("Signed out.")
			return nil
		},
	}
}
