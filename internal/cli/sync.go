package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/opsync/internal/models"
	syncpkg "github.com/kimhsiao/opsync/internal/sync"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one push-then-pull cycle now",
		Long: `Push queued local changes to the remote authority, then pull changes made
elsewhere. Exits non-zero when the cycle fails; queued changes stay queued.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			p := rootOpts.printer(cmd)
			ev, syncErr := a.Coordinator.Sync(commandContext(cmd), syncpkg.ReasonUser)
			if ev != nil {
				if p.JSON() {
					if err := p.Emit(ev); err != nil {
						return err
					}
				} else {
					printSyncEvent(p, ev)
				}
			}
			return syncErr
		},
	}
}

func printSyncEvent(p *Printer, ev *models.SyncEvent) {
	p.Field("Status", p.Status(ev.Status))
	p.Field("Pushed", ev.Pushed)
	p.Field("Pulled", ev.Pulled)
	p.Field("Conflicts", ev.Conflicts)
	p.Field("Rejected", ev.Rejected)
	p.Field("Duration", ev.Duration().Round(time.Millisecond))
	if ev.Error != "" {
		p.Field("Error", ev.Error)
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Show sync state and queue counts",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.Coordinator.Status(commandContext(cmd))
			if err != nil {
				return err
			}
			p := rootOpts.printer(cmd)
			if p.JSON() {
				return p.Emit(st)
			}

			p.Field("Device", a.DeviceID)
			p.Field("Signed in", yesNo(a.Auth.Authenticated()))
			p.Field("State", p.Status(string(st.State)))
			p.Field("Last sync", formatTime(st.LastSync))
			p.Field("Pending", st.Pending)
			p.Field("Failed", st.Failed)
			p.Field("Conflicts", st.Conflicts)
			p.Field("Queue", fmt.Sprintf("%d pending, %d in flight, %d conflict, %d failed",
				st.Queue.Pending, st.Queue.InFlight, st.Queue.Conflict, st.Queue.Failed))
			if len(st.Errors) > 0 {
				p.Heading("Recent errors")
				for _, e := range st.Errors {
					p.Line("%s  %s %s  %s", formatTime(e.At), e.EntityType, e.RecordID, e.Message)
				}
			}
			return nil
		},
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:          "history",
		Short:        "List recent sync cycles, newest first",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.Coordinator.Events(commandContext(cmd), limit)
			if err != nil {
				return err
			}
			p := rootOpts.printer(cmd)
			if p.JSON() {
				if events == nil {
					events = []models.SyncEvent{}
				}
				return p.Emit(events)
			}

			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				rows = append(rows, []string{
					formatTime(ev.StartedAt), ev.Reason, p.Status(ev.Status),
					strconv.Itoa(ev.Pushed), strconv.Itoa(ev.Pulled), strconv.Itoa(ev.Conflicts), ev.Error,
				})
			}
			p.Table([]string{"STARTED", "REASON", "STATUS", "PUSHED", "PULLED", "CONFLICTS", "ERROR"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of cycles to show")
	return cmd
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "pending",
		Short:        "List records with changes not yet accepted by the remote",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.Store.ListPending(commandContext(cmd))
			if err != nil {
				return err
			}
			p := rootOpts.printer(cmd)
			if p.JSON() {
				if recs == nil {
					recs = []*models.Record{}
				}
				return p.Emit(recs)
			}
			if len(recs) == 0 {
				p.Line("Nothing pending.")
				return nil
			}
			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				rows = append(rows, []string{
					string(r.EntityType), r.LocalID, p.Status(string(r.SyncStatus)),
					strconv.FormatInt(r.Version, 10), formatTime(r.LastModified),
				})
			}
			p.Table([]string{"ENTITY", "ID", "STATUS", "VERSION", "MODIFIED"}, rows)
			return nil
		},
	}
}
