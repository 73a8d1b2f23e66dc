package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/petrel-labs/gridharvest/internal/config"
)

// Page wraps a single chromedp tab context and exposes the bounded page
// primitives the pipeline runs on. It implements Driver and StateCarrier.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig
}

var (
	_ Driver       = (*Page)(nil)
	_ StateCarrier = (*Page)(nil)
)

// Close releases the tab.
func (p *Page) Close() {
	p.cancel()
}

// run executes chromedp actions respecting the page lifetime, the caller's
// context, and an explicit timeout.
func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, opCancel := CombineContext(p.ctx, ctx)
	defer opCancel()

	runCtx, runCancel := context.WithTimeout(opCtx, timeout)
	defer runCancel()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && runCtx.Err() == context.DeadlineExceeded && opCtx.Err() == nil {
		return fmt.Errorf("action exceeded %s: %w", timeout, ErrWaitTimeout)
	}
	return err
}

func (p *Page) actionTimeout() time.Duration {
	if p.cfg.ActionTimeout > 0 {
		return p.cfg.ActionTimeout
	}
	return 15 * time.Second
}

// Navigate loads the URL and waits for the document to become ready.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.logger.Debug("Navigating.", zap.String("url", url))

	timeout := p.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if err := p.run(ctx, timeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// WaitVisible blocks until the selector matches a visible element or the
// timeout elapses. Timeouts surface as ErrWaitTimeout for classification.
func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.actionTimeout()
	}
	if err := p.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %q: %w", selector, err)
	}
	return nil
}

// IsPresent reports whether the selector currently matches any element. It is
// a single-roundtrip check, not a wait.
func (p *Page) IsPresent(ctx context.Context, selector string) (bool, error) {
	var present bool
	expr := fmt.Sprintf(`document.querySelector(%q) !== null`, selector)
	if err := p.run(ctx, p.actionTimeout(), chromedp.Evaluate(expr, &present)); err != nil {
		return false, fmt.Errorf("presence check for %q: %w", selector, err)
	}
	return present, nil
}

// Click scrolls the element into view and clicks it.
func (p *Page) Click(ctx context.Context, selector string) error {
	err := p.run(ctx, p.actionTimeout(),
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("click on %q failed: %w", selector, err)
	}
	return nil
}

// Fill types the value into the input matched by selector, clearing any
// existing content first.
func (p *Page) Fill(ctx context.Context, selector, value string) error {
	err := p.run(ctx, p.actionTimeout(),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("fill of %q failed: %w", selector, err)
	}
	return nil
}

// SelectOption sets the value of a <select> element and fires its change
// event.
func (p *Page) SelectOption(ctx context.Context, selector, value string) error {
	err := p.run(ctx, p.actionTimeout(),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("select on %q failed: %w", selector, err)
	}
	return nil
}

// Text returns the trimmed inner text of the first element matching selector.
func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	var out string
	if err := p.run(ctx, p.actionTimeout(), chromedp.Text(selector, &out, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("text read of %q failed: %w", selector, err)
	}
	return out, nil
}

// BodyText returns the full visible text of the page body.
func (p *Page) BodyText(ctx context.Context) (string, error) {
	return p.Text(ctx, "body")
}

// OuterHTML returns the serialized HTML of the first element matching
// selector.
func (p *Page) OuterHTML(ctx context.Context, selector string) (string, error) {
	var out string
	if err := p.run(ctx, p.actionTimeout(), chromedp.OuterHTML(selector, &out, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("outerHTML read of %q failed: %w", selector, err)
	}
	return out, nil
}

// CallFunction evaluates a JavaScript function declaration with args,
// awaiting any returned promise, and unmarshals the result into out.
func (p *Page) CallFunction(ctx context.Context, fn string, out any, args ...any) error {
	action := chromedp.CallFunctionOn(fn, out,
		func(params *runtime.CallFunctionOnParams) *runtime.CallFunctionOnParams {
			return params.WithAwaitPromise(true)
		},
		args...,
	)
	if err := p.run(ctx, p.actionTimeout(), action); err != nil {
		return fmt.Errorf("function call failed: %w", err)
	}
	return nil
}

// storageReadJS serializes a web storage area into a plain object.
const storageReadJS = `(function(kind) {
	let items = {};
	try {
		const s = window[kind];
		if (s) {
			for (let i = 0; i < s.length; i++) {
				const k = s.key(i);
				if (k !== null) { items[k] = s.getItem(k); }
			}
		}
	} catch (e) { /* storage disabled */ }
	return items;
})`

// CaptureState snapshots cookies and web storage for persistence.
func (p *Page) CaptureState(ctx context.Context) (*StateSnapshot, error) {
	snap := &StateSnapshot{}

	err := p.run(ctx, p.actionTimeout(),
		chromedp.ActionFunc(func(c context.Context) error {
			cookies, err := network.GetCookies().Do(c)
			if err != nil {
				return fmt.Errorf("failed to read cookies: %w", err)
			}
			snap.Cookies = make([]Cookie, 0, len(cookies))
			for _, ck := range cookies {
				snap.Cookies = append(snap.Cookies, Cookie{
					Name:     ck.Name,
					Value:    ck.Value,
					Domain:   ck.Domain,
					Path:     ck.Path,
					Expires:  ck.Expires,
					HTTPOnly: ck.HTTPOnly,
					Secure:   ck.Secure,
					SameSite: string(ck.SameSite),
				})
			}
			return nil
		}),
		chromedp.Evaluate(storageReadJS+`("localStorage")`, &snap.LocalStorage),
		chromedp.Evaluate(storageReadJS+`("sessionStorage")`, &snap.SessionStorage),
	)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// RestoreState applies the snapshot's cookies to the browser. Web storage is
// origin-bound and is seeded separately via SeedStorage once a page at the
// origin is loaded.
func (p *Page) RestoreState(ctx context.Context, snap *StateSnapshot) error {
	if snap == nil || len(snap.Cookies) == 0 {
		return nil
	}

	params := make([]*network.CookieParam, 0, len(snap.Cookies))
	for _, ck := range snap.Cookies {
		param := &network.CookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
		}
		if ck.SameSite != "" {
			param.SameSite = network.CookieSameSite(ck.SameSite)
		}
		if ck.Expires > 0 {
			expiry := cdp.TimeSinceEpoch(time.Unix(int64(ck.Expires), 0))
			param.Expires = &expiry
		}
		params = append(params, param)
	}

	return p.run(ctx, p.actionTimeout(), network.SetCookies(params))
}

// SeedStorage writes the snapshot's local/session storage into the current
// document. The page must already be at the session's origin.
func (p *Page) SeedStorage(ctx context.Context, snap *StateSnapshot) error {
	if snap == nil || (len(snap.LocalStorage) == 0 && len(snap.SessionStorage) == 0) {
		return nil
	}

	const seedJS = `(function(local, session) {
		try {
			for (const k in local) { window.localStorage.setItem(k, local[k]); }
			for (const k in session) { window.sessionStorage.setItem(k, session[k]); }
		} catch (e) { /* storage disabled */ }
		return true;
	})`

	var ok bool
	return p.CallFunction(ctx, seedJS, &ok, snap.LocalStorage, snap.SessionStorage)
}

// ClearState removes cookies and web storage, returning the tab to an
// unauthenticated state before an interactive login.
func (p *Page) ClearState(ctx context.Context) error {
	const clearJS = `(function() {
		try { window.localStorage.clear(); } catch (e) {}
		try { window.sessionStorage.clear(); } catch (e) {}
		return true;
	})()`

	return p.run(ctx, p.actionTimeout(),
		network.ClearBrowserCookies(),
		chromedp.Evaluate(clearJS, nil),
	)
}
