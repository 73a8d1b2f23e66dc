package extract

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/petrel-labs/gridharvest/internal/browser"
	"github.com/petrel-labs/gridharvest/internal/config"
)

// fakeTableDriver simulates a virtualized table: only a window of rows is
// mounted at any position, and scrolling slides the window over the dataset.
// One dataset row maps to one scroll unit, so a window of 10 behaves like a
// viewport 10 units tall.
type fakeTableDriver struct {
	dataset [][]string
	window  int
	pos     float64

	tableMissing    bool
	emptyMarker     bool
	scrollerMissing bool
	frozen          bool
	body            string
}

func (f *fakeTableDriver) maxPos() float64 {
	max := float64(len(f.dataset) - f.window)
	if max < 0 {
		return 0
	}
	return max
}

func (f *fakeTableDriver) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if f.tableMissing {
		return fmt.Errorf("wait for %q: %w", selector, browser.ErrWaitTimeout)
	}
	return nil
}

func (f *fakeTableDriver) IsPresent(ctx context.Context, selector string) (bool, error) {
	return f.emptyMarker, nil
}

func (f *fakeTableDriver) BodyText(ctx context.Context) (string, error) {
	return f.body, nil
}

// OuterHTML renders only the currently mounted window, like a real
// virtualized widget.
func (f *fakeTableDriver) OuterHTML(ctx context.Context, selector string) (string, error) {
	start := int(f.pos)
	end := start + f.window
	if end > len(f.dataset) {
		end = len(f.dataset)
	}

	var b strings.Builder
	b.WriteString("<table><tbody>")
	for _, cells := range f.dataset[start:end] {
		b.WriteString("<tr>")
		for _, cell := range cells {
			fmt.Fprintf(&b, "<td>%s</td>", cell)
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</tbody></table>")
	return b.String(), nil
}

// CallFunction distinguishes the reset call from the scroll call by the
// shape of the out parameter.
func (f *fakeTableDriver) CallFunction(ctx context.Context, fn string, out any, args ...any) error {
	switch v := out.(type) {
	case *bool:
		f.pos = 0
		*v = !f.scrollerMissing
	case *scrollStatus:
		if f.scrollerMissing {
			*v = scrollStatus{OK: false, Reason: "no-scroller"}
			return nil
		}
		fraction := args[1].(float64)
		prev := f.pos
		if !f.frozen {
			f.pos = math.Min(prev+float64(f.window)*fraction, f.maxPos())
		}
		*v = scrollStatus{OK: true, Prev: prev, Now: f.pos, Max: f.maxPos()}
	default:
		return fmt.Errorf("unexpected out type %T", out)
	}
	return nil
}

func makeDataset(n int) [][]string {
	rows := make([][]string, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, []string{
			fmt.Sprintf("P-%03d", i),
			fmt.Sprintf("category-%d", i%5),
			fmt.Sprintf("$%d.50", i),
		})
	}
	return rows
}

func testExtractConfig() config.ExtractConfig {
	return config.ExtractConfig{
		TableSelector:      "table",
		EmptyStateSelector: "#empty",
		KeyColumns:         []int{0},
		OverlapFraction:    0.5,
		SettleDelay:        time.Millisecond,
		CaptureTimeout:     100 * time.Millisecond,
		StaleLimit:         5,
		MaxAttempts:        200,
	}
}

func TestRunReconstruction(t *testing.T) {
	t.Run("should reconstruct the full dataset from overlapping windows", func(t *testing.T) {
		drv := &fakeTableDriver{dataset: makeDataset(50), window: 10}
		ext := New(drv, testExtractConfig(), zap.NewNop())

		res, err := ext.Run(context.Background())
		require.NoError(t, err)

		require.Len(t, res.Rows, 50)
		assert.False(t, res.Truncated)
		// First-seen order matches dataset order.
		for i, row := range res.Rows {
			assert.Equal(t, fmt.Sprintf("P-%03d", i), row[0])
		}
	})

	t.Run("should handle a dataset smaller than one window", func(t *testing.T) {
		drv := &fakeTableDriver{dataset: makeDataset(3), window: 10}
		ext := New(drv, testExtractConfig(), zap.NewNop())

		res, err := ext.Run(context.Background())
		require.NoError(t, err)
		assert.Len(t, res.Rows, 3)
	})

	t.Run("should detect the page's total banner", func(t *testing.T) {
		drv := &fakeTableDriver{
			dataset: makeDataset(10),
			window:  10,
			body:    "Catalog  Showing 10 of 1,500 results",
		}
		ext := New(drv, testExtractConfig(), zap.NewNop())

		res, err := ext.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1500, res.DetectedTotal)
	})
}

func TestRunTermination(t *testing.T) {
	t.Run("should stop after the stale limit when the scroller freezes", func(t *testing.T) {
		cfg := testExtractConfig()
		drv := &fakeTableDriver{dataset: makeDataset(50), window: 10, frozen: true}
		ext := New(drv, cfg, zap.NewNop())

		res, err := ext.Run(context.Background())
		require.NoError(t, err)

		// Only the first window was ever mounted.
		assert.Len(t, res.Rows, 10)
		// One productive capture plus the stale budget.
		assert.Equal(t, 1+cfg.StaleLimit, res.Attempts)
	})

	t.Run("should truncate at the safety cap", func(t *testing.T) {
		cfg := testExtractConfig()
		cfg.MaxAttempts = 3
		drv := &fakeTableDriver{dataset: makeDataset(500), window: 10}
		ext := New(drv, cfg, zap.NewNop())

		res, err := ext.Run(context.Background())
		require.NoError(t, err)

		assert.True(t, res.Truncated)
		assert.Equal(t, 3, res.Attempts)
		assert.NotEmpty(t, res.Rows)
		assert.Less(t, len(res.Rows), 500)
	})

	t.Run("should stop when the caller's context is cancelled", func(t *testing.T) {
		drv := &fakeTableDriver{dataset: makeDataset(500), window: 10}
		ext := New(drv, testExtractConfig(), zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := ext.Run(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRunEmptyStates(t *testing.T) {
	t.Run("should accept an empty table confirmed by the page", func(t *testing.T) {
		drv := &fakeTableDriver{tableMissing: true, emptyMarker: true}
		ext := New(drv, testExtractConfig(), zap.NewNop())

		res, err := ext.Run(context.Background())
		require.NoError(t, err)
		assert.Empty(t, res.Rows)
	})

	t.Run("should fail when the table never appears and no empty state renders", func(t *testing.T) {
		drv := &fakeTableDriver{tableMissing: true}
		ext := New(drv, testExtractConfig(), zap.NewNop())

		_, err := ext.Run(context.Background())
		assert.ErrorIs(t, err, ErrNoRows)
	})

	t.Run("should fail on zero rows without confirmation", func(t *testing.T) {
		drv := &fakeTableDriver{dataset: nil, window: 10, scrollerMissing: true}
		ext := New(drv, testExtractConfig(), zap.NewNop())

		_, err := ext.Run(context.Background())
		assert.ErrorIs(t, err, ErrNoRows)
	})

	t.Run("should accept zero rows when the empty marker is present", func(t *testing.T) {
		drv := &fakeTableDriver{dataset: nil, window: 10, scrollerMissing: true, emptyMarker: true}
		ext := New(drv, testExtractConfig(), zap.NewNop())

		res, err := ext.Run(context.Background())
		require.NoError(t, err)
		assert.Empty(t, res.Rows)
	})
}

func TestParseRows(t *testing.T) {
	t.Run("should extract trimmed cell text per row", func(t *testing.T) {
		fragment := `<table>
			<thead><tr><th>ID</th><th>Name</th></tr></thead>
			<tbody>
				<tr><td> P-001 </td><td>Widget</td></tr>
				<tr><td>P-002</td><td>  Gadget  </td></tr>
			</tbody>
		</table>`

		rows, err := ParseRows(fragment)
		require.NoError(t, err)

		require.Len(t, rows, 2, "header rows have no td cells and are dropped")
		assert.Equal(t, []string{"P-001", "Widget"}, rows[0])
		assert.Equal(t, []string{"P-002", "Gadget"}, rows[1])
	})

	t.Run("should return no rows for an empty table", func(t *testing.T) {
		rows, err := ParseRows("<table><tbody></tbody></table>")
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}
