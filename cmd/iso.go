package cmd

import (
	"github.com/spf13/cobra"

	"wimctl/service"
)

func newISOCommand(a *app) *cobra.Command {
	var req service.ISORequest

	cmd := &cobra.Command{
		Use:   "iso <build-dir>",
		Short: "Package the media tree as a bootable ISO",
		Long: `Package <build-dir>/media into an ISO image. A mounted image is
unmounted first with its changes discarded; packaging is aborted when that
unmount cannot complete.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.service(cmd)
			if err != nil {
				return err
			}
			defer done()

			req.BuildDir = args[0]
			return a.finish(cmd.OutOrStdout(), svc.CreateISO(cmd.Context(), req))
		},
	}
	cmd.Flags().StringVarP(&req.Destination, "output", "o", "", "ISO path (default <build-dir>/<name>.iso)")
	cmd.Flags().StringVarP(&req.VolumeLabel, "label", "l", "", "Volume label (default WINPE)")
	return cmd
}
