// Command tidalsync-signal runs a standalone SignalServer: the
// stateless broker that introduces peers and pipes their byte streams
// together.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tidalsync/signalserver"
)

var addr string

var rootCmd = &cobra.Command{
	Use:   "tidalsync-signal",
	Short: "Run a TidalSync signaling server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		defer logger.Sync()

		server := signalserver.New(logger, prometheus.DefaultRegisterer)
		logger.Info("listening", zap.String("addr", addr))
		return http.ListenAndServe(addr, server.Router())
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":8787", "address to listen on")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
