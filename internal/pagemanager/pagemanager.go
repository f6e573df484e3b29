// Package pagemanager implements the page manager (C7): the persistent
// browser context, the pageId -> PageState table, page lifecycle
// (create/act/close), and recording discovery. Grounded on
// internal/browser/manager.go's Manager (sessions map, NewAnalysisContext's
// construction + onClose unregister, Shutdown's concurrent-close pattern)
// and internal/browser/session.go's Initialize/stabilize/Close lifecycle,
// with the browser process launch itself taken from
// other_examples/NeboLoop-nebo__browser.go's pure chromedp.NewExecAllocator
// pattern instead of the teacher's playwright-go launch.
package pagemanager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/livoras/pageflow/internal/action"
	"github.com/livoras/pageflow/internal/apierr"
	"github.com/livoras/pageflow/internal/axview"
	"github.com/livoras/pageflow/internal/driver"
	"github.com/livoras/pageflow/internal/frameregistry"
	"github.com/livoras/pageflow/internal/recorder"
	"github.com/livoras/pageflow/internal/settle"
)

// Options configures the manager's persistent browser context and page
// defaults, sourced from internal/config at startup.
type Options struct {
	Headless           bool
	UserDataDir        string
	RecordingsRoot     string
	ScreenshotsEnabled bool
	NavTimeout         time.Duration
	CreateTimeout      time.Duration
	PageQueueDepth     int // 0 disables queue-depth rejection
	SettleQuiet        time.Duration
	SettleHardDeadline time.Duration
}

// PageState is one live page's in-memory state, per spec.md §3.
type PageState struct {
	ID          string
	DisplayName string
	Description string
	CreatedAt   time.Time

	driver         driver.Driver
	frames         *frameregistry.Registry
	settle         *settle.Detector
	executor       *action.Executor
	axBuilder      *axview.Builder
	recorder       *recorder.Recorder
	recording      bool
	lastTopFrameID string

	mu            sync.Mutex
	cachedXPaths  map[string]string
	opLock        chan struct{}
	queueDepth    int
	maxQueueDepth int
}

// Manager owns the persistent browser context and the live page table.
type Manager struct {
	opts   Options
	logger *zap.Logger

	allocCtx   context.Context
	allocCancel context.CancelFunc
	browserCtx context.Context

	mu    sync.Mutex
	pages map[string]*PageState

	onAction func(pageID string, a recorder.Action)
	onCreate func(pageID string)
	onClose  func(pageID string)
}

// New launches the persistent browser context and returns an empty
// manager ready to create pages.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.UserDataDir == "" {
		home, _ := os.UserHomeDir()
		opts.UserDataDir = filepath.Join(home, ".pageflow", "profile")
	}
	if opts.RecordingsRoot == "" {
		opts.RecordingsRoot = os.TempDir()
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(opts.UserDataDir),
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", false),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, _ := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...any) {}))
	if err := chromedp.Run(browserCtx); err != nil {
		allocCancel()
		return nil, apierr.Wrap(apierr.KindInternal, "launch persistent browser context", err)
	}

	return &Manager{
		opts:        opts,
		logger:      logger.Named("pagemanager"),
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		pages:       make(map[string]*PageState),
	}, nil
}

// OnAction/OnCreate/OnClose register C8's broadcast hooks.
func (m *Manager) OnAction(fn func(pageID string, a recorder.Action)) { m.onAction = fn }
func (m *Manager) OnCreate(fn func(pageID string))                   { m.onCreate = fn }
func (m *Manager) OnClose(fn func(pageID string))                    { m.onClose = fn }

// CreateOptions mirrors the POST /api/pages body.
type CreateOptions struct {
	Name           string
	Description    string
	URL            string
	Timeout        time.Duration
	RecordActions  bool
}

// Create allocates a pageId, opens a new driver page, initializes it, and
// navigates to the initial URL - spec.md §4.7's "Create page" sequence.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*PageState, error) {
	pageID := uuid.NewString()

	pageCtx, _ := chromedp.NewContext(m.browserCtx)
	if err := chromedp.Run(pageCtx); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "open new page target", err)
	}

	drv := driver.New(pageCtx, m.logger)
	// Opens the debug session (Network/Page/Runtime/DOM/Accessibility.enable
	// plus the demultiplexed ListenTarget subscription) before anything reads
	// off it - spec.md §4.7's "open a debug session, Page.enable ..." init
	// step. Without this, settle's detector and the console/dialog listeners
	// below never receive a single event.
	if err := drv.Debug().Enable(pageCtx, ""); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "open debug session", err)
	}
	frames := frameregistry.New()

	ps := &PageState{
		ID:          pageID,
		DisplayName: opts.Name,
		Description: opts.Description,
		CreatedAt:   time.Now(),
		driver:      drv,
		frames:      frames,
		recording:   opts.RecordActions,
		opLock:      make(chan struct{}, 1),
		// 0 means unbounded: only a positive configured depth rejects with
		// Busy, per spec.md §5/§4.7's FIFO queueing guarantee.
		maxQueueDepth: m.opts.PageQueueDepth,
	}
	ps.settle = settle.New(drv.Debug(), m.logger, m.opts.SettleQuiet, m.opts.SettleHardDeadline)
	ps.axBuilder = &axview.Builder{Driver: drv, Frames: frames, Logger: m.logger}
	ps.executor = &action.Executor{Driver: drv, Settle: ps.settle, Logger: m.logger}
	if tree, err := drv.Debug().GetFrameTree(pageCtx); err == nil && tree != nil {
		ps.lastTopFrameID = tree.FrameID
	}

	if err := drv.Selector().EnsureRegistered(pageCtx); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "register selector engine", err)
	}
	if err := drv.InjectHelperScript(pageCtx); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "inject helper script", err)
	}

	drv.Page().OnConsole(func(level, text string, ts time.Time) {
		if ps.recorder != nil {
			ps.recorder.LogConsole(level, text, "", ts)
		}
	})
	drv.Page().OnPageError(func(message, stack string, ts time.Time) {
		if ps.recorder != nil {
			ps.recorder.LogPageError(message, stack, ts)
		}
	})

	if opts.RecordActions {
		rec, err := recorder.Open(m.opts.RecordingsRoot, pageID, opts.Name, opts.Description, m.opts.ScreenshotsEnabled, drv, ps.axBuilder, m.logger)
		if err != nil {
			return nil, err
		}
		rec.OnAction(func(a recorder.Action) {
			if m.onAction != nil {
				m.onAction(pageID, a)
			}
		})
		ps.recorder = rec
	}

	m.mu.Lock()
	m.pages[pageID] = ps
	m.mu.Unlock()

	// page-created must strictly precede any action-recorded for this page
	// (spec.md §5), and is suppressed entirely when recording is disabled
	// (spec.md §9's outer C7 variant) - so broadcast it here, before the
	// create action below is recorded.
	if opts.RecordActions && m.onCreate != nil {
		m.onCreate(pageID)
	}

	if ps.recorder != nil {
		if _, err := ps.recorder.Append(ctx, recorder.Action{Kind: recorder.KindCreate, URL: opts.URL, Description: opts.Description}); err != nil {
			m.logger.Warn("failed to record create action", zap.Error(err))
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.opts.CreateTimeout
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.URL != "" {
		if _, err := drv.Page().Navigate(pageCtx, opts.URL, timeout); err != nil {
			return ps, err
		}
	}

	return ps, nil
}

// Get returns the live page state for pageId, or PageNotFound.
func (m *Manager) Get(pageID string) (*PageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.pages[pageID]
	if !ok {
		return nil, apierr.New(apierr.KindPageNotFound, "no such page: "+pageID)
	}
	return ps, nil
}

// List returns all live pages.
func (m *Manager) List() []*PageState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PageState, 0, len(m.pages))
	for _, ps := range m.pages {
		out = append(out, ps)
	}
	return out
}

// acquire takes the page's FIFO operation lock, optionally rejecting with
// Busy when the configured queue depth is exceeded.
func (ps *PageState) acquire(ctx context.Context) error {
	ps.mu.Lock()
	if ps.maxQueueDepth > 0 && ps.queueDepth >= ps.maxQueueDepth {
		ps.mu.Unlock()
		return apierr.New(apierr.KindBusy, "page operation queue is full")
	}
	ps.queueDepth++
	ps.mu.Unlock()

	select {
	case ps.opLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		ps.mu.Lock()
		ps.queueDepth--
		ps.mu.Unlock()
		return ctx.Err()
	}
}

func (ps *PageState) release() {
	<-ps.opLock
	ps.mu.Lock()
	ps.queueDepth--
	ps.mu.Unlock()
}

// Act performs one C5 action against the page, serialized through the
// page's operation lock, per spec.md §4.7's "Act" sequence.
func (m *Manager) Act(ctx context.Context, pageID string, req action.Request) (*action.Result, error) {
	ps, err := m.Get(pageID)
	if err != nil {
		return nil, err
	}
	if err := ps.acquire(ctx); err != nil {
		return nil, err
	}
	defer ps.release()

	xpathMap := ps.XPathMap()
	result, err := ps.executor.Execute(ctx, xpathMap, req)
	if err != nil {
		return nil, err
	}
	if ps.recorder != nil {
		if _, err := ps.recorder.Append(ctx, recorder.Action{
			Kind: recorder.KindAct, Method: req.Method, Args: req.Args,
			Description: req.Description, XPath: result.XPath, EncodedID: req.Target.EncodedID,
		}); err != nil {
			m.logger.Warn("failed to record action", zap.Error(err))
		}
	}
	return result, nil
}

// RefreshStructure rebuilds the accessibility outline for the page and
// caches its xpath map for subsequent act-by-encoded-id calls.
func (ps *PageState) RefreshStructure(ctx context.Context, scopeBackendID int64, scopeFound bool) (*axview.Result, error) {
	result, err := ps.axBuilder.Build(ctx, scopeBackendID, scopeFound)
	if err != nil {
		return nil, err
	}
	ps.mu.Lock()
	ps.cachedXPaths = result.XPathMap
	ps.mu.Unlock()
	return result, nil
}

// XPathMap returns the page's last-cached xpath map.
func (ps *PageState) XPathMap() map[string]string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.cachedXPaths
}

func (ps *PageState) Driver() driver.Driver           { return ps.driver }
func (ps *PageState) Recorder() *recorder.Recorder    { return ps.recorder }
func (ps *PageState) Settle() *settle.Detector        { return ps.settle }

// ObserveNavigation re-reads the frame tree's top frame id after a
// navigate/navigate-back/navigate-forward/reload and resets the frame
// registry whenever it changed, per spec.md §4.2 ("reset() called exactly
// when a new top-frame id is observed on (re)navigation of a page").
// Cross-document navigations replace the top frame's CDP frame id; same-
// document navigations (hash changes, history.pushState) don't, so this
// only resets when the id actually moved.
func (ps *PageState) ObserveNavigation(ctx context.Context) {
	tree, err := ps.driver.Debug().GetFrameTree(ctx)
	if err != nil || tree == nil {
		return
	}
	if tree.FrameID != ps.lastTopFrameID {
		ps.lastTopFrameID = tree.FrameID
		ps.frames.Reset()
		ps.mu.Lock()
		ps.cachedXPaths = nil
		ps.mu.Unlock()
	}
}

// Close tears the page down under its operation lock: records close,
// closes the driver, drops the in-memory state. The on-disk recording
// survives, per spec.md §3's "Ownership" note.
func (m *Manager) Close(ctx context.Context, pageID string) error {
	ps, err := m.Get(pageID)
	if err != nil {
		return err
	}
	if err := ps.acquire(ctx); err != nil {
		return err
	}
	defer ps.release()

	if ps.recorder != nil {
		if err := ps.recorder.RecordClose(ctx); err != nil {
			m.logger.Warn("failed to record close action", zap.Error(err))
		}
	}
	ps.settle.Close()
	if err := ps.driver.Page().Close(ctx); err != nil {
		m.logger.Warn("failed to close driver page", zap.Error(err))
	}

	m.mu.Lock()
	delete(m.pages, pageID)
	m.mu.Unlock()

	if m.onClose != nil {
		m.onClose(pageID)
	}
	return nil
}

// Shutdown closes every live page and tears down the persistent browser
// context, mirroring manager.go's Shutdown concurrent-close pattern.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pages))
	for id := range m.pages {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Close(ctx, id); err != nil {
				m.logger.Warn("error closing page during shutdown", zap.String("pageId", id), zap.Error(err))
			}
		}()
	}
	wg.Wait()

	if m.allocCancel != nil {
		m.allocCancel()
	}
	return nil
}

// RecordingSummary is one entry of GET /api/recordings.
type RecordingSummary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	ActionsCount   int       `json:"actionsCount"`
	LastActionKind string    `json:"lastActionKind,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ListRecordings scans the recordings root for subfolders containing
// actions.json, per spec.md §4.7's "Discovery" algorithm.
func (m *Manager) ListRecordings() ([]RecordingSummary, error) {
	root := filepath.Join(m.opts.RecordingsRoot, "simplepage")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierr.Wrap(apierr.KindFilesystemError, "scan recordings root", err)
	}

	var summaries []RecordingSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		actionsPath := filepath.Join(root, e.Name(), "actions.json")
		info, err := os.Stat(actionsPath)
		if err != nil {
			continue
		}
		summary, err := summarizeRecording(actionsPath, info.ModTime())
		if err != nil {
			m.logger.Warn("failed to summarize recording", zap.String("path", actionsPath), zap.Error(err))
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// RecordingDetail is the full GET /api/recordings/:id payload, loadable
// straight off disk once a page has closed - the recording directory
// outlives the live page per spec.md §3's ownership note.
type RecordingDetail struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Actions     []recorder.Action `json:"actions"`
	BasePath    string            `json:"basePath"`
	DataPath    string            `json:"dataPath"`
}

// LoadRecordingDetail reads a recording's actions.json directly from disk,
// for pages whose live state is gone but whose recording directory
// survives.
func (m *Manager) LoadRecordingDetail(pageID string) (RecordingDetail, error) {
	dir := filepath.Join(m.opts.RecordingsRoot, "simplepage", pageID)
	actionsPath := filepath.Join(dir, "actions.json")
	data, err := os.ReadFile(actionsPath)
	if err != nil {
		return RecordingDetail{}, apierr.New(apierr.KindRecordingNotFound, "recording not found")
	}
	var doc struct {
		ID          string            `json:"id"`
		Name        string            `json:"name"`
		Description string            `json:"description"`
		Actions     []recorder.Action `json:"actions"`
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &doc); err != nil {
		return RecordingDetail{}, apierr.Wrap(apierr.KindFilesystemError, "parse actions.json", err)
	}
	return RecordingDetail{
		ID: doc.ID, Name: doc.Name, Description: doc.Description, Actions: doc.Actions,
		BasePath: dir, DataPath: filepath.Join(dir, "data"),
	}, nil
}

func summarizeRecording(actionsPath string, mtime time.Time) (RecordingSummary, error) {
	data, err := os.ReadFile(actionsPath)
	if err != nil {
		return RecordingSummary{}, err
	}
	var doc struct {
		ID          string            `json:"id"`
		Name        string            `json:"name"`
		Description string            `json:"description"`
		Actions     []recorder.Action `json:"actions"`
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &doc); err != nil {
		return RecordingSummary{}, err
	}
	createdAt := mtime
	var lastKind string
	if len(doc.Actions) > 0 {
		createdAt = doc.Actions[0].Timestamp
		lastKind = string(doc.Actions[len(doc.Actions)-1].Kind)
	}
	return RecordingSummary{
		ID: doc.ID, Name: doc.Name, Description: doc.Description,
		ActionsCount: len(doc.Actions), LastActionKind: lastKind, CreatedAt: createdAt,
	}, nil
}

