package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/petrel-labs/gridharvest/internal/auth"
	"github.com/petrel-labs/gridharvest/internal/browser"
	"github.com/petrel-labs/gridharvest/internal/config"
	"github.com/petrel-labs/gridharvest/internal/extract"
	"github.com/petrel-labs/gridharvest/internal/normalize"
	"github.com/petrel-labs/gridharvest/internal/output"
	"github.com/petrel-labs/gridharvest/internal/session"
	"github.com/petrel-labs/gridharvest/internal/wizard"
)

// Runner wires the full pipeline for one run: session establishment, wizard
// navigation, extraction, normalization and the snapshot write.
type Runner struct {
	cfg    *config.Config
	creds  auth.Credentials
	runID  string
	logger *zap.Logger
}

// New builds a runner for a single invocation.
func New(cfg *config.Config, creds auth.Credentials, runID string, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, creds: creds, runID: runID, logger: logger.Named("runner")}
}

// Run executes the pipeline end to end. The browser is always released, on
// success and on every failure path.
func (r *Runner) Run(ctx context.Context) error {
	mgr := browser.NewManager(ctx, r.cfg.Browser, r.logger)
	defer mgr.Shutdown()

	page, err := mgr.NewPage()
	if err != nil {
		return fmt.Errorf("failed to open browser page: %w", err)
	}

	nav, err := wizard.New(page, r.cfg.Wizard, r.logger)
	if err != nil {
		return fmt.Errorf("invalid wizard configuration: %w", err)
	}

	mapper, err := normalize.NewMapper(r.cfg.Output.Fields)
	if err != nil {
		return fmt.Errorf("invalid field mapping: %w", err)
	}

	p := &pipeline{
		cfg:       r.cfg,
		creds:     r.creds,
		runID:     r.runID,
		logger:    r.logger,
		store:     session.NewStore(r.cfg.Session.File, r.logger),
		prober:    session.NewProber(page, r.cfg.Session, r.logger),
		auth:      auth.New(page, r.cfg.Target, r.logger),
		navigator: nav,
		extractor: extract.New(page, r.cfg.Extract, r.logger),
		mapper:    mapper,
		writer:    output.NewWriter(r.logger),
		page:      page,
	}
	return p.execute(ctx)
}

// The pipeline depends on behavior, not concrete components, so tests can
// substitute fakes for everything that would otherwise need a browser.
type (
	sessionStore interface {
		Load() (*session.State, bool)
		Save(*session.State) error
	}
	sessionProber interface {
		Probe(ctx context.Context, st *session.State) error
	}
	authenticator interface {
		Login(ctx context.Context, creds auth.Credentials) (*session.State, error)
	}
	navigator interface {
		Run(ctx context.Context) error
	}
	extractor interface {
		Run(ctx context.Context) (*extract.Result, error)
	}
	rowMapper interface {
		Normalize(cells []string) (normalize.Record, error)
	}
	snapshotWriter interface {
		Write(res *output.Result, path string) error
	}
	pageDriver interface {
		Navigate(ctx context.Context, url string) error
		ClearState(ctx context.Context) error
	}
)

type pipeline struct {
	cfg    *config.Config
	creds  auth.Credentials
	runID  string
	logger *zap.Logger

	store     sessionStore
	prober    sessionProber
	auth      authenticator
	navigator navigator
	extractor extractor
	mapper    rowMapper
	writer    snapshotWriter
	page      pageDriver
}

func (p *pipeline) execute(ctx context.Context) error {
	started := time.Now()
	log := p.logger.With(zap.String("run_id", p.runID))

	if err := p.establishSession(ctx, log); err != nil {
		return err
	}

	if err := p.navigator.Run(ctx); err != nil {
		return fmt.Errorf("wizard navigation failed: %w", err)
	}

	res, err := p.extractor.Run(ctx)
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	records, skipped := p.normalizeRows(res.Rows, log)

	out := &output.Result{
		Metadata: output.Metadata{
			RunID:         p.runID,
			Count:         len(records),
			Skipped:       skipped,
			Truncated:     res.Truncated,
			DetectedTotal: res.DetectedTotal,
			StartedAt:     started.UTC(),
			Duration:      time.Since(started),
		},
		Records: records,
	}
	if err := p.writer.Write(out, p.cfg.Output.Path); err != nil {
		return fmt.Errorf("snapshot write failed: %w", err)
	}

	log.Info("Run complete.",
		zap.Int("records", len(records)),
		zap.Int("skipped", skipped),
		zap.Bool("truncated", res.Truncated),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// establishSession gets the page into an authenticated state, preferring the
// stored session and falling back to interactive login when the probe rejects
// it. Every outcome is logged with the path taken.
func (p *pipeline) establishSession(ctx context.Context, log *zap.Logger) error {
	if st, ok := p.store.Load(); ok {
		err := p.prober.Probe(ctx, st)
		if err == nil {
			log.Info("Session established from stored state.")
			return nil
		}
		if !errors.Is(err, session.ErrSessionInvalid) {
			return fmt.Errorf("session probe failed: %w", err)
		}

		log.Info("Stored session rejected; falling back to interactive login.")
		// Drop the stale cookies and storage so the login starts clean.
		if err := p.page.ClearState(ctx); err != nil {
			log.Warn("Failed to clear stale session state.", zap.Error(err))
		}
	} else {
		log.Info("No stored session; performing interactive login.")
	}

	if err := p.page.Navigate(ctx, p.cfg.Target.URL); err != nil {
		return fmt.Errorf("failed to reach target: %w", err)
	}

	st, err := p.auth.Login(ctx, p.creds)
	if err != nil {
		return err
	}

	// A failed save costs the next run a login, nothing more.
	if err := p.store.Save(st); err != nil {
		log.Warn("Failed to persist session; next run will log in again.", zap.Error(err))
	}
	return nil
}

// normalizeRows maps raw rows to records, dropping rows the mapper rejects.
func (p *pipeline) normalizeRows(rows [][]string, log *zap.Logger) ([]normalize.Record, int) {
	records := make([]normalize.Record, 0, len(rows))
	skipped := 0
	for i, cells := range rows {
		rec, err := p.mapper.Normalize(cells)
		if err != nil {
			skipped++
			log.Debug("Row skipped during normalization.", zap.Int("row", i), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if skipped > 0 {
		log.Warn("Some rows were skipped during normalization.", zap.Int("skipped", skipped))
	}
	return records, skipped
}
