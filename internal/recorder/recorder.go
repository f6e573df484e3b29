// Package recorder implements the session recorder (C6): the on-disk
// actions.json log plus its data/ snapshot artifacts, deletion, and
// console capture. Grounded on other_examples/JohnStarich-sage__recorder.go's
// actionRecorder (wrap every action in a pre-action snapshot, then record)
// and internal/browser/harvester.go's console/exception event capture.
package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/livoras/pageflow/internal/apierr"
	"github.com/livoras/pageflow/internal/axview"
	"github.com/livoras/pageflow/internal/driver"
)

var prettyJSON = jsoniter.Config{EscapeHTML: false, IndentionStep: 2}.Froze()

// Kind enumerates the recorded action tags, per spec.md §3.
type Kind string

const (
	KindCreate               Kind = "create"
	KindNavigate             Kind = "navigate"
	KindNavigateBack         Kind = "navigateBack"
	KindNavigateForward      Kind = "navigateForward"
	KindReload               Kind = "reload"
	KindWait                 Kind = "wait"
	KindCondition            Kind = "condition"
	KindAct                  Kind = "act"
	KindGetListHTML          Kind = "getListHtml"
	KindGetListHTMLByParent  Kind = "getListHtmlByParent"
	KindGetElementHTML       Kind = "getElementHtml"
	KindClose                Kind = "close"
)

// Action is one persisted record in actions.json - the tagged record of
// spec.md §3 plus artifact filenames.
type Action struct {
	ID          int       `json:"id"`
	Kind        Kind      `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	Method      string    `json:"method,omitempty"`
	Args        []string  `json:"args,omitempty"`
	Description string    `json:"description,omitempty"`
	XPath       string    `json:"xpath,omitempty"`
	EncodedID   string    `json:"encodedId,omitempty"`
	URL         string    `json:"url,omitempty"`
	Selector    string    `json:"selector,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	Timeout     int       `json:"timeout,omitempty"`

	Structure   string   `json:"structure,omitempty"`
	XPathMapRef string   `json:"xpathMap,omitempty"`
	Screenshot  string   `json:"screenshot,omitempty"`
	ListFile    string   `json:"listFile,omitempty"`
	ElementFile string   `json:"elementFile,omitempty"`
	PostScripts []string `json:"postScripts,omitempty"`
}

// file is the on-disk actions.json shape, per spec.md §6.
type file struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Actions     []Action `json:"actions"`
}

// Snapshotter is the accessibility-view builder surface the recorder calls
// before recording any non-close action.
type Snapshotter interface {
	Build(ctx context.Context, scopeBackendID int64, scopeFound bool) (*axview.Result, error)
}

// Recorder owns one page's recording directory. Safe for concurrent use;
// callers serialize action recording through the page's own opLock (C7),
// but Append is internally locked defensively too.
type Recorder struct {
	mu sync.Mutex

	dir     string
	dataDir string

	screenshotsEnabled bool
	driver             driver.Driver
	snapshotter        Snapshotter
	logger             *zap.Logger

	file file

	onAction func(Action)

	consoleMu   sync.Mutex
	consoleFile *os.File
}

// Open creates (or loads) the recording directory for pageId under root,
// per spec.md §3's "<tmp>/simplepage/<pageId>/" layout.
func Open(root, pageID, displayName, description string, screenshotsEnabled bool, d driver.Driver, snap Snapshotter, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(root, "simplepage", pageID)
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apierr.Wrap(apierr.KindFilesystemError, "create recording directory", err)
	}

	r := &Recorder{
		dir:                dir,
		dataDir:            dataDir,
		screenshotsEnabled: screenshotsEnabled,
		driver:             d,
		snapshotter:        snap,
		logger:             logger.Named("recorder"),
	}

	actionsPath := r.actionsPath()
	if data, err := os.ReadFile(actionsPath); err == nil {
		if err := prettyJSON.Unmarshal(data, &r.file); err != nil {
			return nil, apierr.Wrap(apierr.KindFilesystemError, "parse actions.json", err)
		}
	} else {
		r.file = file{ID: pageID, Name: displayName, Description: description, Actions: []Action{}}
		if err := r.writeLocked(); err != nil {
			return nil, err
		}
	}

	consolePath := filepath.Join(r.dataDir, fmt.Sprintf("console-%d.log", time.Now().UnixNano()))
	f, err := os.OpenFile(consolePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindFilesystemError, "open console log", err)
	}
	r.consoleFile = f

	return r, nil
}

// OnAction registers the callback invoked after every successful append,
// used by C8 to broadcast "action-recorded" over the websocket hub.
func (r *Recorder) OnAction(fn func(Action)) { r.onAction = fn }

func (r *Recorder) actionsPath() string { return filepath.Join(r.dir, "actions.json") }

// Dir returns the recording's base directory.
func (r *Recorder) Dir() string { return r.dir }

// DataDir returns the recording's data/ artifact directory.
func (r *Recorder) DataDir() string { return r.dataDir }

// ActionsPath returns the path to this recording's actions.json, exported
// for the API surface's structure/recording-detail responses.
func (r *Recorder) ActionsPath() string { return r.actionsPath() }

// WriteArtifact writes data under name in the recording's data/ directory
// and returns the written filename, for artifacts produced outside the
// Append snapshot path (list/element HTML extracts).
func (r *Recorder) WriteArtifact(name string, data []byte) (string, error) {
	if err := r.writeDataFile(name, data); err != nil {
		return "", apierr.Wrap(apierr.KindFilesystemError, "write artifact", err)
	}
	return name, nil
}

// ConsoleLogPath returns the path to this recording's console capture file.
func (r *Recorder) ConsoleLogPath() string {
	r.consoleMu.Lock()
	defer r.consoleMu.Unlock()
	if r.consoleFile == nil {
		return ""
	}
	return r.consoleFile.Name()
}

// Append builds the Action record, captures a pre-action snapshot unless
// kind is close, pushes it into the in-memory log, rewrites actions.json,
// and invokes onAction - the append contract of spec.md §4.6.
func (r *Recorder) Append(ctx context.Context, a Action) (Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a.Timestamp = time.Now()
	a.ID = len(r.file.Actions)

	if a.Kind != KindClose && r.snapshotter != nil {
		ts := a.Timestamp.UnixNano()
		result, err := r.snapshotter.Build(ctx, 0, false)
		if err != nil {
			r.logger.Warn("snapshot before recording action failed", zap.Error(err))
		} else {
			structureName := fmt.Sprintf("%d-structure.txt", ts)
			xpathName := fmt.Sprintf("%d-xpath.json", ts)
			if err := r.writeDataFile(structureName, []byte(result.Simplified)); err == nil {
				a.Structure = structureName
			}
			if b, err := prettyJSON.Marshal(result.XPathMap); err == nil {
				if err := r.writeDataFile(xpathName, b); err == nil {
					a.XPathMapRef = xpathName
				}
			}
			if r.screenshotsEnabled && r.driver != nil {
				if shot, err := r.driver.Page().Screenshot(ctx); err == nil {
					screenshotName := fmt.Sprintf("%d-screenshot.png", ts)
					if err := r.writeDataFile(screenshotName, shot); err == nil {
						a.Screenshot = screenshotName
					}
				}
			}
		}
	}

	r.file.Actions = append(r.file.Actions, a)
	if err := r.writeLocked(); err != nil {
		return Action{}, err
	}

	if r.onAction != nil {
		r.onAction(a)
	}
	return a, nil
}

func (r *Recorder) writeDataFile(name string, data []byte) error {
	return os.WriteFile(filepath.Join(r.dataDir, name), data, 0o644)
}

func (r *Recorder) writeLocked() error {
	data, err := prettyJSON.MarshalIndent(r.file, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal actions.json", err)
	}
	if err := os.WriteFile(r.actionsPath(), data, 0o644); err != nil {
		return apierr.Wrap(apierr.KindFilesystemError, "write actions.json", err)
	}
	return nil
}

// Actions returns a snapshot copy of the current in-memory action log.
func (r *Recorder) Actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Action, len(r.file.Actions))
	copy(out, r.file.Actions)
	return out
}

// Summary returns the recording's id/name/description without actions.
func (r *Recorder) Summary() (id, name, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.ID, r.file.Name, r.file.Description
}

// DeleteAction atomically removes the entry at idx and every referenced
// artifact file that exists. Out-of-range idx is an error; missing
// artifact files are non-fatal no-ops, per spec.md §4.6.
func (r *Recorder) DeleteAction(idx int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx < 0 || idx >= len(r.file.Actions) {
		return apierr.New(apierr.KindBadRequest, "action index out of range")
	}
	a := r.file.Actions[idx]
	for _, name := range []string{a.Screenshot, a.Structure, a.XPathMapRef, a.ListFile, a.ElementFile} {
		if name == "" {
			continue
		}
		_ = os.Remove(filepath.Join(r.dataDir, name))
	}
	r.file.Actions = append(r.file.Actions[:idx], r.file.Actions[idx+1:]...)
	return r.writeLocked()
}

// DeleteAllRecords recursively removes the page's recording directory and
// detaches in-memory state.
func (r *Recorder) DeleteAllRecords() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consoleMu.Lock()
	if r.consoleFile != nil {
		_ = r.consoleFile.Close()
		r.consoleFile = nil
	}
	r.consoleMu.Unlock()

	if err := os.RemoveAll(r.dir); err != nil {
		return apierr.Wrap(apierr.KindFilesystemError, "remove recording directory", err)
	}
	r.file = file{ID: r.file.ID, Name: r.file.Name, Description: r.file.Description, Actions: []Action{}}
	return nil
}

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// LogConsole appends one console-API line with an ISO timestamp and level
// tag; stack is appended if non-empty (errors/warnings dumping any stack
// found in the argument jsonValue()s, per spec.md §4.6).
func (r *Recorder) LogConsole(level, text, stack string, ts time.Time) {
	r.consoleMu.Lock()
	defer r.consoleMu.Unlock()
	if r.consoleFile == nil {
		return
	}
	line := fmt.Sprintf("[%s] [%s] %s\n", ts.Format(consoleTimeFormat), level, text)
	if stack != "" {
		line += stack + "\n"
	}
	_, _ = r.consoleFile.WriteString(line)
}

// LogPageError appends a "[PAGE-ERROR]" entry with stack, per spec.md §4.6.
func (r *Recorder) LogPageError(message, stack string, ts time.Time) {
	r.LogConsole("PAGE-ERROR", message, stack, ts)
}

// RecordClose appends the close action and closes the console stream.
func (r *Recorder) RecordClose(ctx context.Context) error {
	if _, err := r.Append(ctx, Action{Kind: KindClose}); err != nil {
		return err
	}
	r.consoleMu.Lock()
	defer r.consoleMu.Unlock()
	if r.consoleFile != nil {
		err := r.consoleFile.Close()
		r.consoleFile = nil
		return err
	}
	return nil
}
