package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/petrel-labs/gridharvest/internal/browser"
	"github.com/petrel-labs/gridharvest/internal/config"
)

// probeDriver is the slice of page primitives the prober needs.
type probeDriver interface {
	browser.StateCarrier
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	IsPresent(ctx context.Context, selector string) (bool, error)
}

// Prober establishes session validity empirically: a stored blob is never
// trusted on presence alone, only on a live check against the target.
type Prober struct {
	drv    probeDriver
	cfg    config.SessionConfig
	logger *zap.Logger
}

// NewProber builds a prober over the given page driver.
func NewProber(drv probeDriver, cfg config.SessionConfig, logger *zap.Logger) *Prober {
	return &Prober{drv: drv, cfg: cfg, logger: logger.Named("session_probe")}
}

// Probe applies the stored state to the page, navigates to the session's
// origin and checks for an element that only renders when authenticated.
// A timeout, or the login form showing up instead, yields ErrSessionInvalid.
func (p *Prober) Probe(ctx context.Context, st *State) error {
	if st == nil {
		return ErrSessionInvalid
	}

	if err := p.drv.RestoreState(ctx, &st.StateSnapshot); err != nil {
		return fmt.Errorf("failed to restore session state: %w", err)
	}
	if err := p.drv.Navigate(ctx, st.Origin); err != nil {
		return fmt.Errorf("probe navigation failed: %w", err)
	}

	// Storage-held tokens only take effect after a load at the origin, so
	// seed them and reload once.
	if len(st.LocalStorage) > 0 || len(st.SessionStorage) > 0 {
		if err := p.drv.SeedStorage(ctx, &st.StateSnapshot); err != nil {
			return fmt.Errorf("failed to seed web storage: %w", err)
		}
		if err := p.drv.Navigate(ctx, st.Origin); err != nil {
			return fmt.Errorf("probe reload failed: %w", err)
		}
	}

	// The login form rendering is a definitive negative; don't wait out the
	// full probe window for it.
	if p.cfg.LoginMarker != "" {
		if present, err := p.drv.IsPresent(ctx, p.cfg.LoginMarker); err == nil && present {
			p.logger.Info("Login form present; stored session rejected.")
			return ErrSessionInvalid
		}
	}

	if err := p.drv.WaitVisible(ctx, p.cfg.AuthenticatedMarker, p.cfg.ProbeTimeout); err != nil {
		if errors.Is(err, browser.ErrWaitTimeout) {
			p.logger.Info("Authenticated marker did not appear within probe window.",
				zap.Duration("timeout", p.cfg.ProbeTimeout))
			return ErrSessionInvalid
		}
		return fmt.Errorf("probe failed: %w", err)
	}

	p.logger.Info("Stored session is valid; login skipped.")
	return nil
}

// Capture snapshots the page's current authenticated state into a new State.
func Capture(ctx context.Context, carrier browser.StateCarrier, origin string) (*State, error) {
	snap, err := carrier.CaptureState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture session state: %w", err)
	}
	return &State{
		Origin:        origin,
		SavedAt:       time.Now().UTC(),
		StateSnapshot: *snap,
	}, nil
}
