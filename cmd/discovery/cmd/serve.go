package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/web"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only status API",
	Long: `Serve run state over HTTP. The API is read-only: it reports runs,
stage history, and invocation audit records, and never mutates state.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}
		defer app.Close()

		cfg := web.DefaultConfig()
		if serveAddr != "" {
			cfg.Addr = serveAddr
		} else if app.cfg.Web.Addr != "" {
			cfg.Addr = app.cfg.Web.Addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		server := web.New(cfg, app.manager, app.logger)
		return server.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}
