package commands

import (
	"fmt"

	"github.com/SpatiumPortae/datatransfer/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func Serve(version string) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the transfer server",
		Long:  "The serve command accepts pushed transfers and writes them into the local record store.",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("port", cmd.Flags().Lookup("port")); err != nil {
				return fmt.Errorf("binding port flag: %w", err)
			}
			if err := viper.BindPFlag("token", cmd.Flags().Lookup("token")); err != nil {
				return fmt.Errorf("binding token flag: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			port := viper.GetInt("port")
			if err := validatePort(port); err != nil {
				return err
			}
			lgr := setupLoggingFromViper()
			defer lgr.Sync() //nolint:errcheck

			app, pool, err := openLocalApp(version, lgr)
			if err != nil {
				return err
			}
			defer pool.Close()
			schemas, _ := cmd.Flags().GetString("schemas")
			if err := registerSchemas(cmd.Context(), app, schemas); err != nil {
				return err
			}

			token := viper.GetString("token")
			if token == "" {
				lgr.Warn("serving without a token, every client may push transfers")
			}
			s := server.NewServer(port, app.Version(), app, server.WithLogger(lgr), server.WithToken(token))
			if err := s.Start(); err != nil {
				lgr.Error("transfer server stopped", zap.Error(err))
				return err
			}
			return nil
		},
	}
	serveCmd.Flags().IntP("port", "p", 0, "port to run the transfer server on")
	serveCmd.Flags().StringP("token", "t", "", "bearer token clients must present")
	serveCmd.Flags().String("schemas", "", schemasFlagDesc)
	return serveCmd
}
