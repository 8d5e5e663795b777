// Package engine drives a transfer from a source to a destination.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"time"

	"github.com/SpatiumPortae/datatransfer/internal/provider"
	"github.com/SpatiumPortae/datatransfer/internal/semver"
	"github.com/SpatiumPortae/datatransfer/protocol/transfer"
	"go.uber.org/zap"
)

type VersionStrategy string

const (
	VersionIgnore VersionStrategy = "ignore"
	VersionExact  VersionStrategy = "exact"
	VersionMajor  VersionStrategy = "major"
	VersionMinor  VersionStrategy = "minor"
	VersionPatch  VersionStrategy = "patch"
)

var VersionStrategies = []VersionStrategy{VersionIgnore, VersionExact, VersionMajor, VersionMinor, VersionPatch}

type SchemaStrategy string

const (
	SchemaIgnore SchemaStrategy = "ignore"
	SchemaStrict SchemaStrategy = "strict"
)

var SchemaStrategies = []SchemaStrategy{SchemaIgnore, SchemaStrict}

// DefaultExcludedTypes are internal content types that never leave a repository.
var DefaultExcludedTypes = []string{
	"admin::permission",
	"admin::user",
	"admin::role",
	"admin::api-token",
	"admin::api-token-permission",
	"admin::transfer-token",
	"admin::transfer-token-permission",
	"admin::audit-log",
}

// Options of a transfer. The zero value ignores versions and schemas, moves
// every step and excludes DefaultExcludedTypes.
type Options struct {
	VersionStrategy VersionStrategy
	SchemaStrategy  SchemaStrategy
	// Only restricts the transfer to these steps when not empty.
	Only []transfer.Step
	// Exclude skips these steps.
	Exclude []transfer.Step
	// ExcludedTypes replaces DefaultExcludedTypes when not nil.
	ExcludedTypes []string
}

// Stage of a step progress update.
type Stage string

const (
	StageStart    Stage = "start"
	StageProgress Stage = "progress"
	StageEnd      Stage = "end"
)

// Progress is sent on the progress channel while a step runs.
type Progress struct {
	Step  transfer.Step
	Stage Stage
	Count int
	Bytes int64
}

// StepResult counts the items moved by one step. Skipped counts items
// filtered out by the excluded types.
type StepResult struct {
	Step    transfer.Step
	Count   int
	Skipped int
	Bytes   int64
}

type Result struct {
	Steps    []StepResult
	Duration time.Duration
}

// Step returns the result of step, the zero value when it did not run.
func (r Result) Step(step transfer.Step) StepResult {
	for _, s := range r.Steps {
		if s.Step == step {
			return s
		}
	}
	return StepResult{Step: step}
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithProgress reports progress on ch. Sends never block the transfer.
func WithProgress(ch chan<- Progress) Option {
	return func(e *Engine) { e.progress = ch }
}

type Engine struct {
	src      provider.Source
	dst      provider.Destination
	opts     Options
	excluded map[string]bool
	logger   *zap.Logger
	progress chan<- Progress
}

// New validates opts and returns an engine moving data from src to dst.
func New(src provider.Source, dst provider.Destination, opts Options, options ...Option) (*Engine, error) {
	if opts.VersionStrategy == "" {
		opts.VersionStrategy = VersionIgnore
	}
	if opts.SchemaStrategy == "" {
		opts.SchemaStrategy = SchemaIgnore
	}
	if !slices.Contains(VersionStrategies, opts.VersionStrategy) {
		return nil, transfer.NewValidationError(fmt.Sprintf("Invalid version strategy %q", opts.VersionStrategy), map[string]any{
			"check":                  "versionStrategy",
			"versionStrategy":        opts.VersionStrategy,
			"validVersionStrategies": VersionStrategies,
		})
	}
	if !slices.Contains(SchemaStrategies, opts.SchemaStrategy) {
		return nil, transfer.NewValidationError(fmt.Sprintf("Invalid schema strategy %q", opts.SchemaStrategy), map[string]any{
			"check":                 "schemaStrategy",
			"schemaStrategy":        opts.SchemaStrategy,
			"validSchemaStrategies": SchemaStrategies,
		})
	}
	for _, step := range append(slices.Clone(opts.Only), opts.Exclude...) {
		if !slices.Contains(transfer.Steps, step) {
			return nil, transfer.NewValidationError(fmt.Sprintf("Invalid step %q", step), map[string]any{
				"check":      "steps",
				"step":       step,
				"validSteps": transfer.Steps,
			})
		}
	}

	excludedTypes := opts.ExcludedTypes
	if excludedTypes == nil {
		excludedTypes = DefaultExcludedTypes
	}
	e := &Engine{
		src:      src,
		dst:      dst,
		opts:     opts,
		excluded: make(map[string]bool, len(excludedTypes)),
		logger:   zap.NewNop(),
	}
	for _, t := range excludedTypes {
		e.excluded[t] = true
	}
	for _, option := range options {
		option(e)
	}
	return e, nil
}

// Transfer runs the whole transfer. On failure after the destination was
// bootstrapped the destination is rolled back when it supports it.
func (e *Engine) Transfer(ctx context.Context) (res Result, err error) {
	start := time.Now()
	if err := e.src.Bootstrap(ctx); err != nil {
		return res, fmt.Errorf("bootstrapping source: %w", err)
	}
	defer func() {
		if cerr := e.src.Close(context.WithoutCancel(ctx)); cerr != nil {
			e.logger.Warn("closing source", zap.Error(cerr))
		}
	}()
	if err := e.dst.Bootstrap(ctx); err != nil {
		return res, fmt.Errorf("bootstrapping destination: %w", err)
	}
	defer func() {
		if err != nil {
			e.abort(context.WithoutCancel(ctx))
		}
	}()

	if err := e.checkIntegrity(ctx); err != nil {
		return res, err
	}
	if err := e.dst.BeforeTransfer(ctx); err != nil {
		return res, fmt.Errorf("preparing destination: %w", err)
	}
	if err := e.transferSchemas(ctx); err != nil {
		return res, err
	}

	for _, step := range transfer.Steps {
		if !e.enabled(step) {
			e.logger.Debug("skipping step", zap.String("step", string(step)))
			continue
		}
		r, err := e.runStep(ctx, step)
		res.Steps = append(res.Steps, r)
		if err != nil {
			return res, fmt.Errorf("transferring %s: %w", step, err)
		}
		e.logger.Info("step done", zap.String("step", string(step)), zap.Int("count", r.Count), zap.Int("skipped", r.Skipped))
	}

	if err := e.dst.Close(ctx); err != nil {
		return res, fmt.Errorf("closing destination: %w", err)
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (e *Engine) abort(ctx context.Context) {
	rb, ok := e.dst.(provider.Rollbacker)
	if !ok {
		return
	}
	if err := rb.Rollback(ctx); err != nil {
		e.logger.Error("rolling back destination", zap.Error(err))
		return
	}
	e.logger.Info("destination rolled back")
}

func (e *Engine) enabled(step transfer.Step) bool {
	if len(e.opts.Only) > 0 && !slices.Contains(e.opts.Only, step) {
		return false
	}
	return !slices.Contains(e.opts.Exclude, step)
}

// ----------------------------------------------------- Integrity -----------------------------------------------------

func (e *Engine) checkIntegrity(ctx context.Context) error {
	srcMeta, err := e.src.GetMetadata(ctx)
	if err != nil {
		return fmt.Errorf("fetching source metadata: %w", err)
	}
	dstMeta, err := e.dst.GetMetadata(ctx)
	if err != nil {
		return fmt.Errorf("fetching destination metadata: %w", err)
	}
	if srcMeta != nil && dstMeta != nil {
		if err := checkVersion(e.opts.VersionStrategy, srcMeta.Version, dstMeta.Version); err != nil {
			return err
		}
	}
	if setter, ok := e.dst.(provider.MetadataSetter); ok && srcMeta != nil {
		if err := setter.SetSourceMetadata(ctx, srcMeta); err != nil {
			return fmt.Errorf("recording source metadata: %w", err)
		}
	}

	if e.opts.SchemaStrategy != SchemaStrict {
		return nil
	}
	srcSchemas, err := e.src.GetSchemas(ctx)
	if err != nil {
		return fmt.Errorf("fetching source schemas: %w", err)
	}
	dstSchemas, err := e.dst.GetSchemas(ctx)
	if err != nil {
		return fmt.Errorf("fetching destination schemas: %w", err)
	}
	return checkSchemas(srcSchemas, dstSchemas)
}

func checkVersion(strategy VersionStrategy, src, dst semver.Version) error {
	var ok bool
	switch cmp := src.Compare(dst); strategy {
	case VersionIgnore:
		ok = true
	case VersionExact:
		ok = cmp == semver.CompareEqual
	case VersionPatch:
		ok = src.Major == dst.Major && src.Minor == dst.Minor
	case VersionMinor:
		ok = src.Major == dst.Major
	case VersionMajor:
		ok = true
	}
	if ok {
		return nil
	}
	return transfer.NewValidationError(fmt.Sprintf("The source and destination versions do not match (%s, %s)", src, dst), map[string]any{
		"check":           "version",
		"versionStrategy": strategy,
		"source":          src.String(),
		"destination":     dst.String(),
	})
}

// checkSchemas requires both sides to define the same content types with
// the same attributes.
func checkSchemas(src, dst map[string]provider.Schema) error {
	var diffs []string
	for uid, s := range src {
		d, ok := dst[uid]
		if !ok {
			diffs = append(diffs, uid+": missing in destination")
			continue
		}
		if !sameAttributes(s.Attributes, d.Attributes) {
			diffs = append(diffs, uid+": attributes differ")
		}
	}
	for uid := range dst {
		if _, ok := src[uid]; !ok {
			diffs = append(diffs, uid+": missing in source")
		}
	}
	if len(diffs) == 0 {
		return nil
	}
	sort.Strings(diffs)
	return transfer.NewValidationError("Schemas of the source and destination do not match", map[string]any{
		"check": "schema",
		"diffs": diffs,
	})
}

func sameAttributes(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !jsonEqual(va, vb) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return string(a) == string(b)
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return string(ca) == string(cb)
}

// ------------------------------------------------------- Steps -------------------------------------------------------

func (e *Engine) transferSchemas(ctx context.Context) error {
	creator, ok := e.dst.(provider.SchemasWriterCreator)
	if !ok {
		return nil
	}
	schemas, err := e.src.GetSchemas(ctx)
	if err != nil {
		return fmt.Errorf("fetching source schemas: %w", err)
	}
	w, err := creator.CreateSchemasWriter(ctx)
	if err != nil {
		return fmt.Errorf("creating schemas writer: %w", err)
	}
	uids := make([]string, 0, len(schemas))
	for uid := range schemas {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	for _, uid := range uids {
		if err := w.Write(ctx, schemas[uid]); err != nil {
			return fmt.Errorf("writing schema %s: %w", uid, err)
		}
	}
	return w.Close(ctx)
}

func (e *Engine) runStep(ctx context.Context, step transfer.Step) (StepResult, error) {
	r := StepResult{Step: step}
	e.report(Progress{Step: step, Stage: StageStart})
	var err error
	switch step {
	case transfer.StepEntities:
		err = e.streamEntities(ctx, &r)
	case transfer.StepLinks:
		err = e.streamLinks(ctx, &r)
	case transfer.StepAssets:
		err = e.streamAssets(ctx, &r)
	case transfer.StepConfiguration:
		err = e.streamConfiguration(ctx, &r)
	}
	e.report(Progress{Step: step, Stage: StageEnd, Count: r.Count, Bytes: r.Bytes})
	return r, err
}

func (e *Engine) streamEntities(ctx context.Context, r *StepResult) error {
	w, err := e.dst.CreateEntitiesWriter(ctx)
	if err != nil {
		return err
	}
	err = e.src.StreamEntities(ctx, func(item provider.Entity) error {
		if e.excluded[item.Type] {
			r.Skipped++
			return nil
		}
		return e.write(ctx, r, func() error { return w.Write(ctx, item) })
	})
	return closeWriter(ctx, w, err)
}

func (e *Engine) streamLinks(ctx context.Context, r *StepResult) error {
	w, err := e.dst.CreateLinksWriter(ctx)
	if err != nil {
		return err
	}
	err = e.src.StreamLinks(ctx, func(item provider.Link) error {
		if e.excluded[item.Left.Type] || e.excluded[item.Right.Type] {
			r.Skipped++
			return nil
		}
		return e.write(ctx, r, func() error { return w.Write(ctx, item) })
	})
	return closeWriter(ctx, w, err)
}

func (e *Engine) streamConfiguration(ctx context.Context, r *StepResult) error {
	w, err := e.dst.CreateConfigurationWriter(ctx)
	if err != nil {
		return err
	}
	err = e.src.StreamConfiguration(ctx, func(item provider.Configuration) error {
		return e.write(ctx, r, func() error { return w.Write(ctx, item) })
	})
	return closeWriter(ctx, w, err)
}

func (e *Engine) streamAssets(ctx context.Context, r *StepResult) error {
	w, err := e.dst.CreateAssetsWriter(ctx)
	if err != nil {
		return err
	}
	err = e.src.StreamAssets(ctx, func(item provider.Asset) error {
		cr := &countingReader{r: item.Reader}
		item.Reader = cr
		err := e.write(ctx, r, func() error { return w.Write(ctx, item) })
		r.Bytes += cr.n
		return err
	})
	return closeWriter(ctx, w, err)
}

func (e *Engine) write(ctx context.Context, r *StepResult, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	r.Count++
	e.report(Progress{Step: r.Step, Stage: StageProgress, Count: r.Count, Bytes: r.Bytes})
	return nil
}

func (e *Engine) report(p Progress) {
	if e.progress == nil {
		return
	}
	select {
	case e.progress <- p:
	default:
	}
}

// closeWriter closes w and returns the first error.
func closeWriter[T any](ctx context.Context, w provider.Writer[T], err error) error {
	if err != nil {
		return err
	}
	if cerr := w.Close(ctx); cerr != nil {
		return fmt.Errorf("closing writer: %w", cerr)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
