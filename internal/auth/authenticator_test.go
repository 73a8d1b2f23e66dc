package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petrel-labs/gridharvest/internal/browser"
	"github.com/petrel-labs/gridharvest/internal/config"
)

// fakeLoginDriver scripts the login form's behavior. Submitting decides
// whether the post-login marker or the error banner becomes present.
type fakeLoginDriver struct {
	cfg config.TargetConfig

	fills  map[string]string
	clicks []string

	rejectWithBanner string
	stayPending      bool
	submitted        bool
	captureCalls     int
}

func newFakeLoginDriver(cfg config.TargetConfig) *fakeLoginDriver {
	return &fakeLoginDriver{cfg: cfg, fills: make(map[string]string)}
}

func (f *fakeLoginDriver) CaptureState(ctx context.Context) (*browser.StateSnapshot, error) {
	f.captureCalls++
	return &browser.StateSnapshot{
		Cookies: []browser.Cookie{{Name: "sid", Value: "post-login"}},
	}, nil
}

func (f *fakeLoginDriver) RestoreState(ctx context.Context, snap *browser.StateSnapshot) error {
	return nil
}

func (f *fakeLoginDriver) SeedStorage(ctx context.Context, snap *browser.StateSnapshot) error {
	return nil
}

func (f *fakeLoginDriver) ClearState(ctx context.Context) error { return nil }

func (f *fakeLoginDriver) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if selector == f.cfg.IdentifierField {
		return nil
	}
	return fmt.Errorf("wait for %q: %w", selector, browser.ErrWaitTimeout)
}

func (f *fakeLoginDriver) IsPresent(ctx context.Context, selector string) (bool, error) {
	if f.stayPending {
		return false, nil
	}
	switch selector {
	case f.cfg.PostLoginMarker:
		return f.submitted && f.rejectWithBanner == "", nil
	case f.cfg.ErrorBanner:
		return f.submitted && f.rejectWithBanner != "", nil
	}
	return false, nil
}

func (f *fakeLoginDriver) Click(ctx context.Context, selector string) error {
	f.clicks = append(f.clicks, selector)
	if selector == f.cfg.SubmitButton {
		f.submitted = true
	}
	return nil
}

func (f *fakeLoginDriver) Fill(ctx context.Context, selector, value string) error {
	f.fills[selector] = value
	return nil
}

func (f *fakeLoginDriver) Text(ctx context.Context, selector string) (string, error) {
	if selector == f.cfg.ErrorBanner {
		return f.rejectWithBanner, nil
	}
	return "", nil
}

func loginConfig() config.TargetConfig {
	return config.TargetConfig{
		URL:             "https://app.example.com",
		IdentifierField: `input[type="email"]`,
		SecretField:     `input[type="password"]`,
		SubmitButton:    `button[type="submit"]`,
		PostLoginMarker: "#account",
		ErrorBanner:     ".error-message",
		LoginTimeout:    2 * time.Second,
	}
}

func TestLogin(t *testing.T) {
	creds := Credentials{Identifier: "user@example.com", Secret: "hunter2"}

	t.Run("should submit credentials and capture the session", func(t *testing.T) {
		cfg := loginConfig()
		drv := newFakeLoginDriver(cfg)
		a := New(drv, cfg, zap.NewNop())

		st, err := a.Login(context.Background(), creds)
		require.NoError(t, err)

		assert.Equal(t, "user@example.com", drv.fills[cfg.IdentifierField])
		assert.Equal(t, "hunter2", drv.fills[cfg.SecretField])
		assert.Contains(t, drv.clicks, cfg.SubmitButton)

		require.NotNil(t, st)
		assert.Equal(t, cfg.URL, st.Origin)
		require.Len(t, st.Cookies, 1)
		assert.Equal(t, "post-login", st.Cookies[0].Value)
		assert.Equal(t, 1, drv.captureCalls)
	})

	t.Run("should fail fast on missing credentials", func(t *testing.T) {
		cfg := loginConfig()
		drv := newFakeLoginDriver(cfg)
		a := New(drv, cfg, zap.NewNop())

		_, err := a.Login(context.Background(), Credentials{})

		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Contains(t, authErr.Reason, "missing credentials")
		assert.Empty(t, drv.clicks, "no page interaction without credentials")
	})

	t.Run("should surface the page's rejection banner", func(t *testing.T) {
		cfg := loginConfig()
		drv := newFakeLoginDriver(cfg)
		drv.rejectWithBanner = "Invalid email or password."
		a := New(drv, cfg, zap.NewNop())

		_, err := a.Login(context.Background(), creds)

		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "Invalid email or password.", authErr.Banner)
		assert.Contains(t, err.Error(), "Invalid email or password.")
	})

	t.Run("should skip an absent sign-in entry control", func(t *testing.T) {
		cfg := loginConfig()
		cfg.SignInEntry = `button[data-test="sign-in"]`
		drv := newFakeLoginDriver(cfg)
		a := New(drv, cfg, zap.NewNop())

		_, err := a.Login(context.Background(), creds)
		require.NoError(t, err)
		// The fake never reports the entry as present, so it is never clicked
		// and login proceeds straight to the form.
		assert.NotContains(t, drv.clicks, cfg.SignInEntry)
	})
}

func TestAwaitOutcomeTimeout(t *testing.T) {
	t.Run("should time out when neither marker nor banner appears", func(t *testing.T) {
		cfg := loginConfig()
		cfg.LoginTimeout = 300 * time.Millisecond
		drv := newFakeLoginDriver(cfg)
		drv.stayPending = true
		a := New(drv, cfg, zap.NewNop())

		_, err := a.Login(context.Background(), Credentials{Identifier: "u", Secret: "p"})

		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Contains(t, authErr.Reason, "timed out")
	})

	t.Run("should stop waiting when the context is cancelled", func(t *testing.T) {
		cfg := loginConfig()
		cfg.LoginTimeout = 10 * time.Second
		drv := newFakeLoginDriver(cfg)
		drv.stayPending = true
		a := New(drv, cfg, zap.NewNop())

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		_, err := a.Login(ctx, Credentials{Identifier: "u", Secret: "p"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
