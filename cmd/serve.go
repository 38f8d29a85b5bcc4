package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newServeCmd creates 'serve', which runs the HTTP API and the index
// workers until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and index workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			appInstance.Logger.Info("Starting catalog server", zap.String("addr", appInstance.Config.Addr()))
			if err := appInstance.Serve(cmd.Context()); err != nil {
				return err
			}
			appInstance.Logger.Info("Catalog server stopped")
			return nil
		},
	}
}
