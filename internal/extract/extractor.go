package extract

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/petrel-labs/gridharvest/internal/config"
)

// ErrNoRows reports that extraction produced zero rows and the page's own
// empty state could not be confirmed. That is the one case where an empty
// table is treated as a failure rather than an empty result.
var ErrNoRows = errors.New("no rows extracted and empty state could not be confirmed")

// Result is the raw outcome of the extraction loop, before normalization.
type Result struct {
	Rows          [][]string
	Attempts      int
	Truncated     bool
	DetectedTotal int // from the page's "showing N of M" banner; 0 when absent
}

// tableDriver is the slice of page primitives the extractor needs.
type tableDriver interface {
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	IsPresent(ctx context.Context, selector string) (bool, error)
	OuterHTML(ctx context.Context, selector string) (string, error)
	BodyText(ctx context.Context) (string, error)
	CallFunction(ctx context.Context, fn string, out any, args ...any) error
}

// Extractor reconstructs the full row set of a virtualized table from a
// sequence of overlapping partial views. Only a window of rows exists in the
// DOM at any time; scrolling unmounts rows behind the window and mounts rows
// ahead of it.
type Extractor struct {
	drv    tableDriver
	cfg    config.ExtractConfig
	logger *zap.Logger
}

// New builds an extractor over the given page driver.
func New(drv tableDriver, cfg config.ExtractConfig, logger *zap.Logger) *Extractor {
	return &Extractor{drv: drv, cfg: cfg, logger: logger.Named("extract")}
}

// scrollStatus is the scroller's position report after one scroll attempt.
type scrollStatus struct {
	OK     bool    `json:"ok"`
	Reason string  `json:"reason,omitempty"`
	Prev   float64 `json:"prev"`
	Now    float64 `json:"now"`
	Max    float64 `json:"max"`
}

// scrollJS advances the table's true scrollable ancestor by a fraction of its
// viewport. The scroller is resolved fresh on every call because virtualized
// widgets sometimes replace it between renders. The fraction stays below 1 so
// consecutive capture windows always overlap.
const scrollJS = `(selector, fraction) => {
	const table = document.querySelector(selector);
	if (!table) return { ok: false, reason: 'no-table' };

	const isScroller = (node) => {
		const s = getComputedStyle(node);
		const oy = s.overflowY;
		return (oy === 'auto' || oy === 'scroll') && node.scrollHeight > node.clientHeight + 1;
	};
	const getScroller = (el) => {
		let node = el;
		while (node && node !== document.body) {
			if (node.nodeType === Node.ELEMENT_NODE && isScroller(node)) return node;
			node = node.parentElement;
		}
		for (const d of el.querySelectorAll('div')) {
			if (isScroller(d)) return d;
		}
		return null;
	};

	const scroller = getScroller(table);
	if (!scroller) return { ok: false, reason: 'no-scroller' };

	const prev = scroller.scrollTop;
	const max = scroller.scrollHeight - scroller.clientHeight;
	const next = Math.min(prev + scroller.clientHeight * fraction, max);
	scroller.scrollTop = next;

	return { ok: true, prev: prev, now: scroller.scrollTop, max: max };
}`

// resetScrollJS returns the scroller to the top so extraction always starts
// from the first window.
const resetScrollJS = `(selector) => {
	const table = document.querySelector(selector);
	if (!table) return false;
	let node = table;
	while (node && node !== document.body) {
		const s = getComputedStyle(node);
		if ((s.overflowY === 'auto' || s.overflowY === 'scroll') && node.scrollHeight > node.clientHeight + 1) {
			node.scrollTop = 0;
			return true;
		}
		node = node.parentElement;
	}
	for (const d of table.querySelectorAll('div')) {
		const s = getComputedStyle(d);
		if ((s.overflowY === 'auto' || s.overflowY === 'scroll') && d.scrollHeight > d.clientHeight + 1) {
			d.scrollTop = 0;
			return true;
		}
	}
	return false;
}`

var totalBannerRe = regexp.MustCompile(`(?i)showing\s+\d+\s+of\s+([\d,]+)`)

// Run executes the capture-scroll-settle loop until the stale-round
// termination condition, the container bottom, or the safety cap.
func (e *Extractor) Run(ctx context.Context) (*Result, error) {
	if err := e.drv.WaitVisible(ctx, e.cfg.TableSelector, e.cfg.CaptureTimeout); err != nil {
		// No table at all can still be a legitimate empty catalog if the page
		// says so.
		if confirmed := e.emptyStateConfirmed(ctx); confirmed {
			e.logger.Info("Empty state confirmed; extraction yields zero rows.")
			return &Result{}, nil
		}
		return nil, fmt.Errorf("table %q never appeared: %w", e.cfg.TableSelector, errors.Join(err, ErrNoRows))
	}

	result := &Result{DetectedTotal: e.detectTotal(ctx)}
	acc := NewAccumulator(e.cfg.KeyColumns)

	var reset bool
	if err := e.drv.CallFunction(ctx, resetScrollJS, &reset, e.cfg.TableSelector); err != nil {
		e.logger.Debug("Scroll reset failed; starting from current position.", zap.Error(err))
	}

	stale := 0
	atBottom := false

	for result.Attempts < e.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Attempts++

		added, err := e.captureAndMerge(ctx, acc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// A single failed capture is recoverable; it just burns one of
			// the stale rounds.
			e.logger.Warn("Capture attempt failed.", zap.Int("attempt", result.Attempts), zap.Error(err))
			added = 0
		}

		if added > 0 {
			stale = 0
		} else {
			stale++
		}

		if result.Attempts%25 == 0 {
			e.logger.Info("Extraction progress.",
				zap.Int("rows", acc.Len()),
				zap.Int("attempts", result.Attempts),
				zap.Int("detected_total", result.DetectedTotal),
			)
		}

		status := e.scroll(ctx)
		moved := status.OK && status.Now != status.Prev
		atBottom = status.OK && status.Now >= status.Max

		// Stop once nothing new shows up: either the stale budget is spent,
		// or the scroller is pinned at the bottom and cannot move.
		if stale >= e.cfg.StaleLimit {
			break
		}
		if atBottom && !moved && stale > 0 {
			break
		}

		if err := e.settle(ctx); err != nil {
			return nil, err
		}
	}

	if result.Attempts >= e.cfg.MaxAttempts {
		e.logger.Warn("Safety cap on scroll attempts reached; result truncated.",
			zap.Int("max_attempts", e.cfg.MaxAttempts))
		result.Truncated = true
	}

	result.Rows = acc.Rows()

	if len(result.Rows) == 0 {
		if atBottom || e.emptyStateConfirmed(ctx) {
			e.logger.Info("Table is empty; extraction yields zero rows.")
			return result, nil
		}
		return nil, ErrNoRows
	}

	e.logger.Info("Extraction finished.",
		zap.Int("rows", len(result.Rows)),
		zap.Int("attempts", result.Attempts),
		zap.Bool("truncated", result.Truncated),
	)
	return result, nil
}

// captureAndMerge reads the currently mounted rows and merges the new ones,
// returning how many identities were first seen in this window.
func (e *Extractor) captureAndMerge(ctx context.Context, acc *Accumulator) (int, error) {
	fragment, err := e.drv.OuterHTML(ctx, e.cfg.TableSelector)
	if err != nil {
		return 0, err
	}

	rows, err := ParseRows(fragment)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, cells := range rows {
		if acc.Add(cells) {
			added++
		}
	}
	return added, nil
}

// scroll advances the container one increment; failures are soft and simply
// report an immobile scroller.
func (e *Extractor) scroll(ctx context.Context) scrollStatus {
	var status scrollStatus
	if err := e.drv.CallFunction(ctx, scrollJS, &status, e.cfg.TableSelector, e.cfg.OverlapFraction); err != nil {
		e.logger.Debug("Scroll attempt failed.", zap.Error(err))
		return scrollStatus{}
	}
	if !status.OK {
		e.logger.Debug("Scroller unavailable.", zap.String("reason", status.Reason))
	}
	return status
}

// settle gives the virtualization layer time to mount the next window.
func (e *Extractor) settle(ctx context.Context) error {
	delay := e.cfg.SettleDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// emptyStateConfirmed checks the page's explicit empty-state marker.
func (e *Extractor) emptyStateConfirmed(ctx context.Context) bool {
	if e.cfg.EmptyStateSelector == "" {
		return false
	}
	present, err := e.drv.IsPresent(ctx, e.cfg.EmptyStateSelector)
	return err == nil && present
}

// detectTotal reads the page's "showing N of M" banner as a progress hint.
// It is never used for termination: the page may lie, or the banner may not
// exist at all.
func (e *Extractor) detectTotal(ctx context.Context) int {
	body, err := e.drv.BodyText(ctx)
	if err != nil {
		return 0
	}
	m := totalBannerRe.FindStringSubmatch(body)
	if m == nil {
		return 0
	}
	total, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil || total < 0 {
		return 0
	}
	if total > 0 {
		e.logger.Info("Detected total row count from page banner.", zap.Int("total", total))
	}
	return total
}

// ParseRows extracts per-row cell text from a captured table fragment. Rows
// without any cells (header-only or spacer rows) are dropped.
func ParseRows(fragment string) ([][]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil, fmt.Errorf("failed to parse table fragment: %w", err)
	}

	var rows [][]string
	doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("td").Each(func(_ int, td *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(td.Text()))
		})
		if len(cells) > 0 {
			rows = append(rows, cells)
		}
	})
	return rows, nil
}
