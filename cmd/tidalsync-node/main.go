// Command tidalsync-node runs a StoreManager against a signaling
// server, creating or joining one document and keeping it synced
// with peers until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tidalsync/storemanager"
)

var (
	dbDir      string
	signalURL  string
	documentID string
	seedText   string
)

var rootCmd = &cobra.Command{
	Use:   "tidalsync-node",
	Short: "Run a TidalSync node against a signaling server",
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new document and wait for peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(true)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an existing document and sync from peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(false)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbDir, "db-dir", "./tidalsync-data", "local database directory")
	rootCmd.PersistentFlags().StringVar(&signalURL, "signal-url", "ws://localhost:8787", "signal server URL")
	rootCmd.PersistentFlags().StringVar(&documentID, "document-id", "", "document id")
	createCmd.Flags().StringVar(&seedText, "text", "", "initial text for a newly created document")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(joinCmd)
}

func run(isCreating bool) error {
	if documentID == "" {
		return fmt.Errorf("--document-id is required")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return fmt.Errorf("failed to create db dir: %w", err)
	}

	sm, err := storemanager.Open(storemanager.Config{
		DatabaseName: "tidalsync",
		DataDir:      dbDir,
		SignalURL:    signalURL,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open store manager: %w", err)
	}
	defer sm.Close()

	sm.On(storemanager.EventChange, func(e storemanager.Event) {
		logger.Info("document changed", zap.String("documentId", e.DocumentID))
	})
	sm.On(storemanager.EventPeer, func(e storemanager.Event) {
		logger.Info("peer attached", zap.String("documentId", e.DocumentID), zap.String("peerId", e.PeerID))
	})
	sm.On(storemanager.EventPeerRemove, func(e storemanager.Event) {
		logger.Info("peer detached", zap.String("documentId", e.DocumentID), zap.String("peerId", e.PeerID))
	})

	if isCreating {
		err = sm.CreateStore(documentID, []byte(seedText))
	} else {
		err = sm.JoinStore(documentID)
	}
	if err != nil {
		return fmt.Errorf("failed to open document: %w", err)
	}

	logger.Info("node running", zap.String("documentId", documentID))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
