package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/opsync/internal/errors"
	"github.com/kimhsiao/opsync/internal/models"
	"github.com/kimhsiao/opsync/internal/sync/conflict"
)

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(rootOpts))
	cmd.AddCommand(newConflictsShowCommand(rootOpts))
	cmd.AddCommand(newConflictsResolveCommand(rootOpts))
	return cmd
}

func newConflictsListCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:          "list",
		Short:        "List conflicts awaiting a decision",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.Resolver.List(commandContext(cmd), !all)
			if err != nil {
				return err
			}
			p := rootOpts.printer(cmd)
			if p.JSON() {
				if list == nil {
					list = []*models.Conflict{}
				}
				return p.Emit(list)
			}
			if len(list) == 0 {
				p.Line("No conflicts.")
				return nil
			}
			rows := make([][]string, 0, len(list))
			for _, c := range list {
				financial := ""
				if c.IsFinancial {
					financial = "financial"
				}
				rows = append(rows, []string{
					c.ID, string(c.EntityType), c.EntityID,
					fmt.Sprintf("%d/%d", c.ClientVersion.Version, c.ServerVersion.Version),
					string(c.Resolution), financial, a.Resolver.Age(c).Round(time.Second).String(),
				})
			}
			p.Table([]string{"ID", "ENTITY", "RECORD", "LOCAL/REMOTE", "RESOLUTION", "", "AGE"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func newConflictsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "show <id>",
		Short:        "Show the fields that differ between the two sides of a conflict",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.Resolver.Get(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			diffs := conflict.Summary(c)
			p := rootOpts.printer(cmd)
			if p.JSON() {
				return p.Emit(map[string]any{"conflict": c, "fields": diffs})
			}

			p.Field("Conflict", c.ID)
			p.Field("Record", fmt.Sprintf("%s/%s", c.EntityType, c.EntityID))
			p.Field("Resolution", p.Status(string(c.Resolution)))
			p.Field("Financial", yesNo(c.IsFinancial))
			p.Field("Local", fmt.Sprintf("v%d from %s at %s", c.ClientVersion.Version, c.ClientDeviceID, formatTime(c.ClientTimestamp)))
			p.Field("Remote", fmt.Sprintf("v%d at %s", c.ServerVersion.Version, formatTime(c.ServerTimestamp)))

			rows := make([][]string, 0, len(diffs))
			for _, d := range diffs {
				note := d.Delta
				if d.Stock {
					note += " (stock)"
				}
				rows = append(rows, []string{d.Field, fmt.Sprint(d.Client), fmt.Sprint(d.Server), note})
			}
			p.Table([]string{"FIELD", "LOCAL", "REMOTE", "DELTA"}, rows)
			return nil
		},
	}
}

func newConflictsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var merged string
	cmd := &cobra.Command{
		Use:   "resolve <id> <client_wins|server_wins|merged|manual>",
		Short: "Record a decision for a conflict",
		Long: `Record a decision for a conflict. Financial conflicts can only be settled
this way. A merged resolution takes the combined payload as --data JSON.`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolution := models.Resolution(args[1])
			if !resolution.Valid() || resolution == models.ResolutionPending {
				return apperrors.Newf(apperrors.ErrValidation, "unknown resolution %q", args[1])
			}
			var data models.Data
			if merged != "" {
				if err := json.Unmarshal([]byte(merged), &data); err != nil {
					return apperrors.Wrap(apperrors.ErrValidation, "--data is not a JSON object", err)
				}
			}

			a, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.Resolver.Resolve(commandContext(cmd), args[0], resolution, data)
			if err != nil {
				return err
			}
			p := rootOpts.printer(cmd)
			if p.JSON() {
				return p.Emit(c)
			}
			p.Line("Conflict %s resolved as %s.", c.ID, c.Resolution)
			return nil
		},
	}
	cmd.Flags().StringVar(&merged, "data", "", "merged payload as a JSON object")
	return cmd
}
