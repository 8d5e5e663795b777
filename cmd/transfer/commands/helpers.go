package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/SpatiumPortae/datatransfer/internal/engine"
	"github.com/SpatiumPortae/datatransfer/internal/logger"
	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/internal/semver"
	"github.com/SpatiumPortae/datatransfer/internal/store"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	onlyFlagDesc    = "Only transfer these steps (entities, links, assets, configuration)"
	excludeFlagDesc = "Exclude these steps (entities, links, assets, configuration)"
	schemasFlagDesc = "JSON file with the content type schemas to register in the local store"
)

var validate = validator.New()
var ErrInvalidURL = errors.New("invalid url provided")

// validateURL validates an absolute http(s) URL.
func validateURL(raw string) (*url.URL, error) {
	if err := validate.Var(raw, "required,http_url"); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	return u, nil
}

func validatePort(port int) error {
	if err := validate.Var(port, "gte=0,lte=65535"); err != nil {
		return fmt.Errorf("invalid port %d", port)
	}
	return nil
}

func setupLoggingFromViper() *zap.Logger {
	return logger.New(viper.GetBool("verbose"))
}

// openLocalApp opens the record store configured in viper.
func openLocalApp(version string, lgr *zap.Logger) (*store.App, *store.Pool, error) {
	pool, err := store.Open(store.Config{Path: viper.GetString("database"), Logger: lgr})
	if err != nil {
		return nil, nil, err
	}
	ver, err := semver.Parse(version)
	if err != nil {
		lgr.Debug("version is not a semantic version, reporting v0.0.0", zap.String("version", version))
	}
	return store.NewApp(pool, viper.GetString("assets_dir"), ver, store.WithLogger(lgr)), pool, nil
}

// registerSchemas loads schemas from a JSON array file into app.
func registerSchemas(ctx context.Context, app *store.App, path string) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading schemas: %w", err)
	}
	var schemas []provider.Schema
	if err := json.Unmarshal(b, &schemas); err != nil {
		return fmt.Errorf("decoding schemas from %s: %w", path, err)
	}
	return app.PutSchemas(ctx, schemas)
}

func parseSteps(raw []string) ([]transfer.Step, error) {
	steps := make([]transfer.Step, 0, len(raw))
	for _, r := range raw {
		step := transfer.Step(strings.TrimSpace(r))
		if !slices.Contains(transfer.Steps, step) {
			return nil, fmt.Errorf("invalid step %q, expected one of %v", r, transfer.Steps)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// printResults writes a per step summary of a transfer.
func printResults(w io.Writer, res engine.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tCOUNT\tSKIPPED\tSIZE")
	for _, s := range res.Steps {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", s.Step, s.Count, s.Skipped, byteCount(s.Bytes))
	}
	tw.Flush()
	fmt.Fprintf(w, "Transfer done in %s\n", res.Duration.Round(time.Millisecond))
}

func byteCount(n int64) string {
	if n == 0 {
		return "-"
	}
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "kMGTPE"[exp])
}
