// Package replay implements the replay driver (C9): walking a recorded
// action trace sequentially against a fresh, non-recording page. Grounded
// on odvcencio-buckley/pkg/experiment/replay.go's Replayer shape (a config
// struct driving a sequential re-run through a shared runner, producing one
// aggregate result), adapted from session replay to action-trace replay.
package replay

import (
	"context"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/livoras/pageflow/internal/action"
	"github.com/livoras/pageflow/internal/apierr"
	"github.com/livoras/pageflow/internal/pagemanager"
	"github.com/livoras/pageflow/internal/recorder"
)

// Options configures one replay run, per spec.md §4.9.
type Options struct {
	DelayMs         int  `json:"delayMs,omitempty"`
	Verbose         bool `json:"verbose,omitempty"`
	ContinueOnError bool `json:"continueOnError,omitempty"`
}

// Request is the POST /api/replay body and the pageflow-replay CLI's trace
// file shape: an action list plus options.
type Request struct {
	Actions []recorder.Action `json:"actions"`
	Options Options           `json:"options,omitempty"`
}

// StepResult records the outcome of replaying one action.
type StepResult struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Result is the aggregate outcome of a replay run.
type Result struct {
	PageID    string       `json:"pageId,omitempty"`
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Steps     []StepResult `json:"steps"`
}

// Runner replays traces against pages opened through the shared page
// manager, used identically by the HTTP replay endpoint and the standalone
// CLI.
type Runner struct {
	pages  *pagemanager.Manager
	logger *zap.Logger
}

// New constructs a Runner bound to pages.
func New(pages *pagemanager.Manager, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{pages: pages, logger: logger.Named("replay")}
}

// Run opens a new non-recording page and walks req.Actions sequentially
// against it, per spec.md §4.9. The page is best-effort closed on exit
// unless the trace itself already issued a close.
func (rn *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	initialURL := ""
	if len(req.Actions) > 0 && req.Actions[0].Kind == recorder.KindCreate {
		initialURL = req.Actions[0].URL
	}

	ps, err := rn.pages.Create(ctx, pagemanager.CreateOptions{
		Name:          "replay",
		URL:           initialURL,
		Timeout:       10 * time.Second,
		RecordActions: false,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{PageID: ps.ID, Total: len(req.Actions)}
	closed := false

	for i, a := range req.Actions {
		if a.Kind == recorder.KindCreate {
			continue
		}
		if req.Options.Verbose {
			rn.logger.Info("replaying action", zap.Int("index", i), zap.String("kind", string(a.Kind)))
		}

		step := StepResult{Index: i, Kind: string(a.Kind)}
		stepErr := rn.replayOne(ctx, ps, a)
		switch {
		case stepErr == errUnsupported:
			step.Skipped = true
			result.Skipped++
			rn.logger.Warn("skipping unsupported replay action", zap.String("kind", string(a.Kind)))
		case stepErr != nil:
			step.Error = stepErr.Error()
			result.Failed++
		default:
			step.Success = true
			result.Succeeded++
		}
		result.Steps = append(result.Steps, step)

		if a.Kind == recorder.KindClose {
			closed = true
		}
		if stepErr != nil && stepErr != errUnsupported && !req.Options.ContinueOnError {
			break
		}
		if req.Options.DelayMs > 0 {
			select {
			case <-time.After(time.Duration(req.Options.DelayMs) * time.Millisecond):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	if !closed {
		if err := rn.pages.Close(ctx, ps.ID); err != nil {
			rn.logger.Warn("best-effort replay page close failed", zap.Error(err))
		}
	}

	return result, nil
}

var errUnsupported = apierr.New(apierr.KindUnsupportedMethod, "unsupported replay action kind")

func (rn *Runner) replayOne(ctx context.Context, ps *pagemanager.PageState, a recorder.Action) error {
	switch a.Kind {
	case recorder.KindNavigate:
		_, err := ps.Driver().Page().Navigate(ctx, a.URL, 3*time.Second)
		if err == nil {
			ps.ObserveNavigation(ctx)
		}
		return err
	case recorder.KindNavigateBack:
		err := ps.Driver().Page().Back(ctx)
		if err == nil {
			ps.ObserveNavigation(ctx)
		}
		return err
	case recorder.KindNavigateForward:
		err := ps.Driver().Page().Forward(ctx)
		if err == nil {
			ps.ObserveNavigation(ctx)
		}
		return err
	case recorder.KindReload:
		err := ps.Driver().Page().Reload(ctx, 3*time.Second)
		if err == nil {
			ps.ObserveNavigation(ctx)
		}
		return err
	case recorder.KindWait:
		timeout := 500 * time.Millisecond
		if a.Timeout > 0 {
			timeout = time.Duration(a.Timeout) * time.Millisecond
		}
		return ps.Driver().Page().WaitForTimeout(ctx, timeout)
	case recorder.KindCondition:
		re, err := regexp.Compile(a.Pattern)
		if err != nil {
			return apierr.Wrap(apierr.KindInvalidArgs, "compile condition pattern", err)
		}
		html, err := ps.Driver().Page().Content(ctx)
		if err != nil {
			return err
		}
		re.MatchString(html)
		return nil
	case recorder.KindAct:
		target := action.Target{}
		if a.XPath != "" {
			target.XPath = a.XPath
		} else {
			target.EncodedID = a.EncodedID
		}
		_, err := rn.pages.Act(ctx, ps.ID, action.Request{
			Target: target, Method: a.Method, Args: a.Args, Description: a.Description,
		})
		return err
	case recorder.KindClose:
		return rn.pages.Close(ctx, ps.ID)
	default:
		return errUnsupported
	}
}
