package cmd

import (
	"github.com/spf13/cobra"

	"wimctl/service"
)

func newMountCommand(a *app) *cobra.Command {
	var image string

	cmd := &cobra.Command{
		Use:   "mount <build-dir>",
		Short: "Mount the build directory's image read-write",
		Long: `Mount the primary image of a build directory (boot.wim, then winpe.wim,
then any other .wim) at <build-dir>/mount. Preconditions are checked first
and nothing is touched when one fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.service(cmd)
			if err != nil {
				return err
			}
			defer done()

			res := svc.Mount(cmd.Context(), service.MountRequest{BuildDir: args[0], Image: image})
			return a.finish(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&image, "image", "i", "", "Image to mount instead of the discovered one")
	return cmd
}

func newUnmountCommand(a *app) *cobra.Command {
	var commit bool

	cmd := &cobra.Command{
		Use:   "unmount <build-dir>",
		Short: "Unmount the build directory, discarding changes unless --commit",
		Long: `Unmount the image mounted at <build-dir>/mount. A directory that is not
mounted is left alone. When the servicing tool reports the mount as locked,
recovery runs: delayed retry, remount and unmount, terminating holding
processes, and finally forced removal of the mount directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, done, err := a.service(cmd)
			if err != nil {
				return err
			}
			defer done()

			res := svc.Unmount(cmd.Context(), service.UnmountRequest{BuildDir: args[0], Commit: commit})
			return a.finish(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&commit, "commit", false, "Save changes into the image")
	return cmd
}
