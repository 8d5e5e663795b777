package commands

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/SpatiumPortae/datatransfer/internal/engine"
	"github.com/SpatiumPortae/datatransfer/internal/file"
	"github.com/spf13/cobra"
)

// -------------------------------------------------------- Export -----------------------------------------------------

func Export(version string) *cobra.Command {
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the local data to an archive",
		Long: "The export command writes the local record store into a tar archive of JSON lines files and assets. " +
			"The archive is compressed by default and optionally encrypted with a passphrase.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			file.RemoveTemporaryFiles(file.TEMP_FILE_NAME_PREFIX)

			name, _ := cmd.Flags().GetString("file")
			noCompress, _ := cmd.Flags().GetBool("no-compress")
			encrypt, _ := cmd.Flags().GetBool("encrypt")
			key, _ := cmd.Flags().GetString("key")
			maxSize, _ := cmd.Flags().GetInt("max-size-jsonl")
			only, _ := cmd.Flags().GetStringSlice("only")
			exclude, _ := cmd.Flags().GetStringSlice("exclude")

			if encrypt && key == "" {
				return fmt.Errorf("an encryption key is required when --encrypt is set")
			}
			if !encrypt {
				key = ""
			}
			if err := validate.Var(maxSize, "gte=0"); err != nil {
				return fmt.Errorf("invalid max-size-jsonl %d", maxSize)
			}
			onlySteps, err := parseSteps(only)
			if err != nil {
				return err
			}
			excludeSteps, err := parseSteps(exclude)
			if err != nil {
				return err
			}
			if name == "" {
				name = file.DefaultExportName(time.Now())
			}

			lgr := setupLoggingFromViper()
			defer lgr.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			app, pool, err := openLocalApp(version, lgr)
			if err != nil {
				return err
			}
			defer pool.Close()
			schemas, _ := cmd.Flags().GetString("schemas")
			if err := registerSchemas(ctx, app, schemas); err != nil {
				return err
			}

			opts := file.Options{
				Path:          name,
				Compress:      !noCompress,
				EncryptionKey: key,
				MaxSizeJSONL:  maxSize << 20,
				Logger:        lgr,
			}
			dst := file.NewDestination(opts)
			res, err := runEngine(ctx, app.NewSource(), dst, engine.Options{
				VersionStrategy: engine.VersionIgnore,
				SchemaStrategy:  engine.SchemaIgnore,
				Only:            onlySteps,
				Exclude:         excludeSteps,
			}, lgr)
			if err != nil {
				return fmt.Errorf("exporting: %w", err)
			}
			printResults(cmd.OutOrStdout(), res)
			fmt.Fprintf(cmd.OutOrStdout(), "Export archive is in %s\n", dst.Path())
			return nil
		},
	}
	exportCmd.Flags().StringP("file", "f", "", "archive name without extensions, defaults to export_<timestamp>")
	exportCmd.Flags().Bool("no-compress", false, "do not gzip the archive")
	exportCmd.Flags().Bool("encrypt", false, "encrypt the archive with --key")
	exportCmd.Flags().StringP("key", "k", "", "passphrase used to encrypt the archive")
	exportCmd.Flags().Int("max-size-jsonl", file.DefaultMaxSizeJSONL>>20, "maximum size in MB of each JSON lines file")
	exportCmd.Flags().StringSlice("only", nil, onlyFlagDesc)
	exportCmd.Flags().StringSlice("exclude", nil, excludeFlagDesc)
	exportCmd.Flags().String("schemas", "", schemasFlagDesc)
	return exportCmd
}
