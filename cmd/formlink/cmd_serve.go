// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cyrilzhao/formlink/pkg/logging"
	"github.com/cyrilzhao/formlink/services/formserver"
)

var (
	serveAddr      string
	serveSchemaDir string
	serveDataDir   string
	serveLogLevel  string
	serveLogDir    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the form server",
	Long: `Run the form server over a schema directory.

The directory is watched: editing a schema file hot-reloads it for new
sessions. With --data-dir, sessions persist across restarts.

Examples:
  formlink serve --schema-dir ./schemas
  formlink serve --addr :9090 --schema-dir ./schemas --data-dir ~/.formlink/data`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New(logging.Config{
			Level:   logging.ParseLevel(serveLogLevel),
			LogDir:  serveLogDir,
			Service: "server",
		})
		defer logger.Close()

		srv, err := formserver.NewServer(formserver.Config{
			Addr:      serveAddr,
			SchemaDir: serveSchemaDir,
			DataDir:   serveDataDir,
			Logger:    logger,
			Registry:  prometheus.NewRegistry(),
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&serveSchemaDir, "schema-dir", "schemas", "directory of form schema files")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "BadgerDB directory for session persistence (empty disables)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&serveLogDir, "log-dir", "", "directory for JSON log files (empty disables)")
}
