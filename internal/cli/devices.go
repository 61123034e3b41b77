package cli

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/opsync/internal/models"
	"github.com/kimhsiao/opsync/internal/remote"
)

// Version is stamped into device registrations.
var Version = "dev"

// NewDevicesCommand creates the devices command group.
func NewDevicesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Register this device and list the account's devices",
	}
	cmd.AddCommand(newDevicesRegisterCommand(rootOpts))
	cmd.AddCommand(newDevicesListCommand(rootOpts))
	return cmd
}

func newDevicesRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	var req remote.DeviceRequest
	cmd := &cobra.Command{
		Use:          "register",
		Short:        "Register this device with the remote authority",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if req.DeviceName == "" {
				req.DeviceName = a.Config.Device.Name
			}
			if req.DeviceType == "" {
				req.DeviceType = a.Config.Device.Type
			}
			d, err := a.Devices.Register(commandContext(cmd), req)
			if err != nil {
				return err
			}
			p := rootOpts.printer(cmd)
			if p.JSON() {
				return p.Emit(d)
			}
			p.Line("Registered %s as %q (%s).", d.DeviceID, d.DeviceName, d.DeviceType)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.DeviceName, "name", "", "device name (defaults to device.name)")
	cmd.Flags().StringVar(&req.DeviceType, "type", "", "desktop, mobile, tablet or browser (defaults to device.type)")
	cmd.Flags().StringVar(&req.OSVersion, "os", runtime.GOOS+"/"+runtime.GOARCH, "operating system")
	cmd.Flags().StringVar(&req.AppVersion, "app-version", Version, "application version")
	return cmd
}

func newDevicesListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "List devices registered to the signed-in account",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.Devices.List(commandContext(cmd))
			if err != nil {
				return err
			}
			p := rootOpts.printer(cmd)
			if p.JSON() {
				if list == nil {
					list = []models.Device{}
				}
				return p.Emit(list)
			}
			rows := make([][]string, 0, len(list))
			for _, d := range list {
				id := d.DeviceID
				if id == a.DeviceID {
					id += " *"
				}
				rows = append(rows, []string{id, d.DeviceName, d.DeviceType, yesNo(d.IsActive), formatTime(d.LastSyncAt)})
			}
			p.Table([]string{"DEVICE", "NAME", "TYPE", "ACTIVE", "LAST SYNC"}, rows)
			return nil
		},
	}
}
