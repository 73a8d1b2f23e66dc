package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/petrel-labs/gridharvest/internal/config"
)

// Manager owns the Chrome process lifecycle. The single run acquires pages
// from it and the manager guarantees everything is released on shutdown,
// success or failure.
type Manager struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
	cfg         config.BrowserConfig

	mu    sync.Mutex
	pages []*Page
}

// NewManager creates the exec allocator for a Chrome instance. The browser
// process itself starts lazily with the first page.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)

	return &Manager{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("browser"),
		cfg:         cfg,
	}
}

// NewPage opens a tab and connects CDP to it.
func (m *Manager) NewPage() (*Page, error) {
	pageCtx, pageCancel := chromedp.NewContext(m.allocCtx)

	// Materialize the target so the first real action does not pay the
	// browser startup cost inside its own timeout.
	if err := chromedp.Run(pageCtx); err != nil {
		pageCancel()
		return nil, fmt.Errorf("failed to start browser target: %w", err)
	}

	p := &Page{
		ctx:    pageCtx,
		cancel: pageCancel,
		logger: m.logger.Named("page"),
		cfg:    m.cfg,
	}

	m.mu.Lock()
	m.pages = append(m.pages, p)
	m.mu.Unlock()

	m.logger.Debug("Opened new page.")
	return p, nil
}

// Shutdown closes all pages and the browser process.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	pages := m.pages
	m.pages = nil
	m.mu.Unlock()

	for _, p := range pages {
		p.Close()
	}
	m.allocCancel()
	m.logger.Debug("Browser manager shut down.")
}
