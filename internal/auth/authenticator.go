package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/petrel-labs/gridharvest/internal/browser"
	"github.com/petrel-labs/gridharvest/internal/config"
	"github.com/petrel-labs/gridharvest/internal/session"
)

// Credentials is the opaque pair handed in by the CLI layer; this package
// never reads the environment itself.
type Credentials struct {
	Identifier string
	Secret     string
}

// AuthError is a fatal authentication failure. Banner carries the page's own
// error text when one was detected.
type AuthError struct {
	Reason string
	Banner string
}

func (e *AuthError) Error() string {
	if e.Banner != "" {
		return fmt.Sprintf("authentication failed: %s (page reported: %q)", e.Reason, e.Banner)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// loginDriver is the slice of page primitives the authenticator needs.
type loginDriver interface {
	browser.StateCarrier
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	IsPresent(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Text(ctx context.Context, selector string) (string, error)
}

// Authenticator performs the interactive credential login. It makes exactly
// one attempt; retry policy belongs to whoever invokes the run.
type Authenticator struct {
	drv    loginDriver
	cfg    config.TargetConfig
	logger *zap.Logger
}

// New builds an authenticator over the given page driver.
func New(drv loginDriver, cfg config.TargetConfig, logger *zap.Logger) *Authenticator {
	return &Authenticator{drv: drv, cfg: cfg, logger: logger.Named("auth")}
}

// Login submits the credentials and waits for the post-login marker. On
// success it captures the fresh session state for persistence. The page is
// expected to already be at the target URL.
func (a *Authenticator) Login(ctx context.Context, creds Credentials) (*session.State, error) {
	if creds.Identifier == "" || creds.Secret == "" {
		return nil, &AuthError{Reason: "missing credentials"}
	}

	// Some deployments hide the form behind a sign-in entry control.
	if a.cfg.SignInEntry != "" {
		if present, err := a.drv.IsPresent(ctx, a.cfg.SignInEntry); err == nil && present {
			a.logger.Debug("Revealing login form.", zap.String("selector", a.cfg.SignInEntry))
			if err := a.drv.Click(ctx, a.cfg.SignInEntry); err != nil {
				return nil, fmt.Errorf("failed to open login form: %w", err)
			}
		}
	}

	timeout := a.cfg.LoginTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	if err := a.drv.WaitVisible(ctx, a.cfg.IdentifierField, timeout); err != nil {
		return nil, &AuthError{Reason: fmt.Sprintf("login form never appeared: %v", err)}
	}

	a.logger.Info("Submitting credentials.", zap.String("identifier", creds.Identifier))
	if err := a.drv.Fill(ctx, a.cfg.IdentifierField, creds.Identifier); err != nil {
		return nil, fmt.Errorf("failed to fill identifier: %w", err)
	}
	if err := a.drv.Fill(ctx, a.cfg.SecretField, creds.Secret); err != nil {
		return nil, fmt.Errorf("failed to fill secret: %w", err)
	}
	if err := a.drv.Click(ctx, a.cfg.SubmitButton); err != nil {
		return nil, fmt.Errorf("failed to submit login form: %w", err)
	}

	if err := a.awaitOutcome(ctx, timeout); err != nil {
		return nil, err
	}

	a.logger.Info("Login succeeded.")

	st, err := session.Capture(ctx, a.drv, a.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("login succeeded but session capture failed: %w", err)
	}
	return st, nil
}

// awaitOutcome polls for either the post-login marker or an error banner,
// bounded by the login timeout.
func (a *Authenticator) awaitOutcome(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if ok, err := a.drv.IsPresent(ctx, a.cfg.PostLoginMarker); err == nil && ok {
			return nil
		}

		if a.cfg.ErrorBanner != "" {
			if ok, err := a.drv.IsPresent(ctx, a.cfg.ErrorBanner); err == nil && ok {
				banner, _ := a.drv.Text(ctx, a.cfg.ErrorBanner)
				return &AuthError{
					Reason: "credentials rejected",
					Banner: strings.TrimSpace(banner),
				}
			}
		}

		if time.Now().After(deadline) {
			return &AuthError{
				Reason: fmt.Sprintf("timed out after %s waiting for post-login marker %q", timeout, a.cfg.PostLoginMarker),
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
