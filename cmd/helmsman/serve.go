package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kination/helmsman/internal/server"
	"github.com/kination/helmsman/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the compile and run API over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		e, err := newEngine()
		if err != nil {
			return err
		}
		runs, err := store.New(cfg.Server.Runs)
		if err != nil {
			return err
		}
		defer runs.Close()

		fmt.Printf("🌐 Listening on %s (backends: %v)\n", cfg.Server.Addr, e.Backends())
		return server.NewServer(e, server.WithStore(runs)).Run(cfg.Server.Addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}
