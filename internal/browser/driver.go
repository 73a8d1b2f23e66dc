package browser

import (
	"context"
	"errors"
	"time"
)

// ErrWaitTimeout marks a bounded wait that elapsed before its condition was
// met. Callers classify it to decide between local recovery and failure.
var ErrWaitTimeout = errors.New("wait timed out")

// Driver is the set of page primitives the extraction pipeline consumes.
// Every blocking operation takes a context and is bounded; none blocks
// indefinitely. *Page is the chromedp-backed implementation; tests substitute
// fakes.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	IsPresent(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	SelectOption(ctx context.Context, selector, value string) error
	Text(ctx context.Context, selector string) (string, error)
	BodyText(ctx context.Context) (string, error)
	OuterHTML(ctx context.Context, selector string) (string, error)

	// CallFunction evaluates a JavaScript function declaration with the given
	// arguments and unmarshals its (awaited) return value into out.
	CallFunction(ctx context.Context, fn string, out any, args ...any) error
}

// StateCarrier captures and restores the browser-side session state
// (cookies plus web storage) that makes a login durable across runs.
type StateCarrier interface {
	CaptureState(ctx context.Context) (*StateSnapshot, error)
	RestoreState(ctx context.Context, snap *StateSnapshot) error

	// SeedStorage writes the snapshot's web storage into the loaded document;
	// cookies alone can be restored before navigation, storage cannot.
	SeedStorage(ctx context.Context, snap *StateSnapshot) error
	ClearState(ctx context.Context) error
}

// StateSnapshot is the serializable browser state blob.
type StateSnapshot struct {
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage,omitempty"`
	SessionStorage map[string]string `json:"session_storage,omitempty"`
}

// Cookie is a storage-format cookie, independent of the CDP wire types so the
// session file stays stable across chromedp upgrades.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // seconds since epoch; 0 = session cookie
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"same_site,omitempty"`
}

// CombineContext creates a context that is canceled when either input context
// is canceled, so operations respect both the page lifetime and the caller's
// deadline.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)

	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}
