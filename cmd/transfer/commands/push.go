package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/SpatiumPortae/datatransfer/internal/engine"
	"github.com/SpatiumPortae/datatransfer/internal/file"
	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/internal/remote"
	"github.com/SpatiumPortae/datatransfer/internal/semver"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// --------------------------------------------------------- Push ------------------------------------------------------

func Push(version string) *cobra.Command {
	pushCmd := &cobra.Command{
		Use:   "push url",
		Short: "Push the local data to a remote transfer server",
		Long: "The push command streams the local record store, or an exported archive, to a remote transfer server. " +
			"The remote data is replaced according to the chosen strategy and rolled back if the transfer fails.",
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			for flag, key := range map[string]string{
				"token":            "token",
				"strategy":         "strategy",
				"version-strategy": "version_strategy",
				"schema-strategy":  "schema_strategy",
			} {
				if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return fmt.Errorf("binding %s flag: %w", flag, err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := validateURL(args[0])
			if err != nil {
				return err
			}
			only, _ := cmd.Flags().GetStringSlice("only")
			exclude, _ := cmd.Flags().GetStringSlice("exclude")
			onlySteps, err := parseSteps(only)
			if err != nil {
				return err
			}
			excludeSteps, err := parseSteps(exclude)
			if err != nil {
				return err
			}
			includeTypes, _ := cmd.Flags().GetStringSlice("include-types")
			from, _ := cmd.Flags().GetString("from")
			key, _ := cmd.Flags().GetString("key")
			schemas, _ := cmd.Flags().GetString("schemas")

			lgr := setupLoggingFromViper()
			defer lgr.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			var src provider.Source
			if from != "" {
				src = file.NewSource(from, key)
			} else {
				app, pool, err := openLocalApp(version, lgr)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := registerSchemas(ctx, app, schemas); err != nil {
					return err
				}
				src = app.NewSource()
			}

			opts := remote.Options{
				URL:             u,
				Strategy:        viper.GetString("strategy"),
				DispatchTimeout: viper.GetDuration("dispatch_timeout"),
				Logger:          lgr,
			}
			if token := viper.GetString("token"); token != "" {
				opts.Auth = &remote.Auth{Type: remote.AuthToken, Token: token}
			}
			if len(includeTypes) > 0 {
				opts.Restore = &transfer.RestoreOptions{Entities: transfer.RestoreEntities{Include: includeTypes}}
			}
			dst := remote.NewDestination(opts)

			if serverVer, err := semver.GetServerVersion(ctx, u.String()); err != nil {
				lgr.Debug("could not fetch remote server version", zap.Error(err))
			} else {
				lgr.Info("pushing to transfer server", zap.String("url", u.String()), zap.String("server_version", serverVer.String()))
			}

			res, err := runEngine(ctx, src, dst, engine.Options{
				VersionStrategy: engine.VersionStrategy(viper.GetString("version_strategy")),
				SchemaStrategy:  engine.SchemaStrategy(viper.GetString("schema_strategy")),
				Only:            onlySteps,
				Exclude:         excludeSteps,
			}, lgr)
			if err != nil {
				return fmt.Errorf("pushing to %s: %w", u, err)
			}
			printResults(cmd.OutOrStdout(), res)
			return nil
		},
	}
	pushCmd.Flags().StringP("token", "t", "", "bearer token presented to the remote server")
	pushCmd.Flags().StringP("strategy", "s", "", "strategy used by the remote to replace its data (restore)")
	pushCmd.Flags().String("version-strategy", "", fmt.Sprintf("version compatibility required between both ends %v", engine.VersionStrategies))
	pushCmd.Flags().String("schema-strategy", "", fmt.Sprintf("schema compatibility required between both ends %v", engine.SchemaStrategies))
	pushCmd.Flags().StringSlice("only", nil, onlyFlagDesc)
	pushCmd.Flags().StringSlice("exclude", nil, excludeFlagDesc)
	pushCmd.Flags().StringSlice("include-types", nil, "only delete remote entities of these content types before restoring")
	pushCmd.Flags().String("from", "", "push an exported archive instead of the local store")
	pushCmd.Flags().StringP("key", "k", "", "passphrase of an encrypted archive")
	pushCmd.Flags().String("schemas", "", schemasFlagDesc)
	return pushCmd
}

// runEngine transfers src into dst, logging progress when verbose.
func runEngine(ctx context.Context, src provider.Source, dst provider.Destination, opts engine.Options, lgr *zap.Logger) (engine.Result, error) {
	progress := make(chan engine.Progress, 64)
	e, err := engine.New(src, dst, opts, engine.WithLogger(lgr), engine.WithProgress(progress))
	if err != nil {
		return engine.Result{}, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress {
			lgr.Debug("transfer progress",
				zap.String("step", string(p.Step)),
				zap.String("stage", string(p.Stage)),
				zap.Int("count", p.Count),
				zap.Int64("bytes", p.Bytes))
		}
	}()
	res, err := e.Transfer(ctx)
	close(progress)
	<-done
	return res, err
}
