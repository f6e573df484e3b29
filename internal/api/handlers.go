package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/livoras/pageflow/internal/action"
	"github.com/livoras/pageflow/internal/apierr"
	"github.com/livoras/pageflow/internal/pagemanager"
	"github.com/livoras/pageflow/internal/recorder"
	"github.com/livoras/pageflow/internal/replay"
)

// PageInfo is the REST shape for a live page, per spec.md §6's pages table.
type PageInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	Description    string `json:"description,omitempty"`
	URL            string `json:"url"`
	Title          string `json:"title,omitempty"`
	CreatedAt      string `json:"createdAt"`
	ConsoleLogPath string `json:"consoleLogPath,omitempty"`
}

// metadataTimeout bounds best-effort metadata calls (URL/title) made while
// assembling a response, separate from the caller's own context so a slow
// page never blocks the rest of the payload.
const metadataTimeout = 2 * time.Second

func pageInfo(ps *pagemanager.PageState) PageInfo {
	info := PageInfo{
		ID:          ps.ID,
		Name:        ps.DisplayName,
		Description: ps.Description,
		CreatedAt:   ps.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec := ps.Recorder(); rec != nil {
		info.ConsoleLogPath = rec.ConsoleLogPath()
	}
	ctx, cancel := context.WithTimeout(context.Background(), metadataTimeout)
	defer cancel()
	if u, err := ps.Driver().Page().URL(ctx); err == nil {
		info.URL = u
	}
	return info
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"pages":            len(s.pages.List()),
		"browserConnected": true,
	})
}

func (s *Server) handleListPages(w http.ResponseWriter, r *http.Request) {
	pages := s.pages.List()
	out := make([]PageInfo, 0, len(pages))
	for _, ps := range pages {
		out = append(out, pageInfo(ps))
	}
	respondJSON(w, http.StatusOK, out)
}

type createPageRequest struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	Description   string `json:"description,omitempty"`
	Timeout       int    `json:"timeout"`
	RecordActions *bool  `json:"recordActions,omitempty"`
}

func (s *Server) handleCreatePage(w http.ResponseWriter, r *http.Request) {
	var req createPageRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	record := true
	if req.RecordActions != nil {
		record = *req.RecordActions
	}
	timeout := 10 * time.Second
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}

	ps, err := s.pages.Create(r.Context(), pagemanager.CreateOptions{
		Name:          req.Name,
		Description:   req.Description,
		URL:           req.URL,
		Timeout:       timeout,
		RecordActions: record,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pageInfo(ps))
}

func (s *Server) handleGetPage(w http.ResponseWriter, r *http.Request) {
	ps, err := s.pages.Get(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	info := pageInfo(ps)
	if title, err := ps.Driver().Page().Title(r.Context()); err == nil {
		info.Title = title
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeletePage(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	if err := s.pages.Close(r.Context(), pageID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type navigateRequest struct {
	URL         string `json:"url"`
	Timeout     int    `json:"timeout"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	ps, err := s.pages.Get(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	var req navigateRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	timeout := 3 * time.Second
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	url, err := ps.Driver().Page().Navigate(r.Context(), req.URL, timeout)
	if err != nil {
		respondError(w, err)
		return
	}
	ps.ObserveNavigation(r.Context())
	s.appendSimpleAction(r, ps, recorder.KindNavigate, req.Description, url)
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "url": url})
}

type navigateBackForwardRequest struct {
	Description string `json:"description,omitempty"`
}

func (s *Server) handleNavigateBack(w http.ResponseWriter, r *http.Request) {
	ps, err := s.pages.Get(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	var req navigateBackForwardRequest
	_ = decodeJSONBody(w, r, &req)
	if err := ps.Driver().Page().Back(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	ps.ObserveNavigation(r.Context())
	url, _ := ps.Driver().Page().URL(r.Context())
	s.appendSimpleAction(r, ps, recorder.KindNavigateBack, req.Description, url)
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "url": url})
}

func (s *Server) handleNavigateForward(w http.ResponseWriter, r *http.Request) {
	ps, err := s.pages.Get(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	var req navigateBackForwardRequest
	_ = decodeJSONBody(w, r, &req)
	if err := ps.Driver().Page().Forward(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	ps.ObserveNavigation(r.Context())
	url, _ := ps.Driver().Page().URL(r.Context())
	s.appendSimpleAction(r, ps, recorder.KindNavigateForward, req.Description, url)
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "url": url})
}

type reloadRequest struct {
	Timeout int `json:"timeout"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	ps, err := s.pages.Get(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	var req reloadRequest
	_ = decodeJSONBody(w, r, &req)
	timeout := 3 * time.Second
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	if err := ps.Driver().Page().Reload(r.Context(), timeout); err != nil {
		respondError(w, err)
		return
	}
	ps.ObserveNavigation(r.Context())
	url, _ := ps.Driver().Page().URL(r.Context())
	s.appendSimpleAction(r, ps, recorder.KindReload, "", url)
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "url": url})
}

// appendSimpleAction records a non-act navigation/wait/condition action,
// warn-logging (never failing the request) on a recorder error, mirroring
// pagemanager.Act's own best-effort recorder append.
func (s *Server) appendSimpleAction(r *http.Request, ps *pagemanager.PageState, kind recorder.Kind, description, url string) {
	s.appendTimedAction(r, ps, kind, description, url, 0)
}

func (s *Server) appendTimedAction(r *http.Request, ps *pagemanager.PageState, kind recorder.Kind, description, url string, timeoutMs int) {
	rec := ps.Recorder()
	if rec == nil {
		return
	}
	if _, err := rec.Append(r.Context(), recorder.Action{Kind: kind, Description: description, URL: url, Timeout: timeoutMs}); err != nil {
		s.logger.Warn("failed to record action", zap.Error(err))
	}
}

func (s *Server) handleStructure(w http.ResponseWriter, r *http.Request) {
	ps, err := s.pages.Get(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}

	var scopeBackendID int64
	var scopeFound bool
	if sel := r.URL.Query().Get("selector"); sel != "" {
		backendID, _, rerr := ps.Driver().Debug().ResolveBackendID(r.Context(), sel)
		if rerr != nil {
			respondError(w, rerr)
			return
		}
		scopeBackendID, scopeFound = backendID, true
	}

	result, err := ps.RefreshStructure(r.Context(), scopeBackendID, scopeFound)
	if err != nil {
		respondError(w, err)
		return
	}

	resp := map[string]any{"structure": result.Simplified}
	rec := ps.Recorder()
	if rec != nil {
		if html, herr := ps.Driver().Page().Content(r.Context()); herr == nil {
			name := fmt.Sprintf("%d-page.html", time.Now().UnixNano())
			if written, werr := rec.WriteArtifact(name, []byte(html)); werr == nil {
				resp["htmlPath"] = written
			}
		}
		resp["actionsPath"] = rec.ActionsPath()
		resp["consoleLogPath"] = rec.ConsoleLogPath()
	}
	respondJSON(w, http.StatusOK, resp)
}

type actXPathRequest struct {
	XPath       string   `json:"xpath"`
	Method      string   `json:"method"`
	Args        []string `json:"args,omitempty"`
	Description string   `json:"description,omitempty"`
}

func (s *Server) handleActXPath(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	var req actXPathRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	_, err := s.pages.Act(r.Context(), pageID, action.Request{
		Target:      action.Target{XPath: req.XPath},
		Method:      req.Method,
		Args:        req.Args,
		Description: req.Description,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type actIDRequest struct {
	EncodedID   string   `json:"encodedId"`
	Method      string   `json:"method"`
	Args        []string `json:"args,omitempty"`
	Description string   `json:"description,omitempty"`
}

func (s *Server) handleActID(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	var req actIDRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	_, err := s.pages.Act(r.Context(), pageID, action.Request{
		Target:      action.Target{EncodedID: req.EncodedID},
		Method:      req.Method,
		Args:        req.Args,
		Description: req.Description,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type waitRequest struct {
	Timeout     int    `json:"timeout"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	ps, err := s.pages.Get(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	var req waitRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Timeout <= 0 {
		respondError(w, apierr.New(apierr.KindBadRequest, "timeout must be positive"))
		return
	}
	if err := ps.Driver().Page().WaitForTimeout(r.Context(), time.Duration(req.Timeout)*time.Millisecond); err != nil {
		respondError(w, err)
		return
	}
	s.appendTimedAction(r, ps, recorder.KindWait, req.Description, "", req.Timeout)
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type conditionRequest struct {
	Pattern     string `json:"pattern"`
	Flags       string `json:"flags,omitempty"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleCondition(w http.ResponseWriter, r *http.Request) {
	ps, err := s.pages.Get(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	var req conditionRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	matched, err := evaluateCondition(r.Context(), ps, req.Pattern, req.Flags)
	if err != nil {
		respondError(w, err)
		return
	}
	rec := ps.Recorder()
	if rec != nil {
		if _, err := rec.Append(r.Context(), recorder.Action{Kind: recorder.KindCondition, Pattern: req.Pattern, Description: req.Description}); err != nil {
			s.logger.Warn("failed to record condition action", zap.Error(err))
		}
	}
	respondJSON(w, http.StatusOK, map[string]bool{"matched": matched})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	ps, err := s.pages.Get(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	shot, err := ps.Driver().Page().Screenshot(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(shot)
}

func (s *Server) handleResolveEncodedXPath(w http.ResponseWriter, r *http.Request) {
	ps, err := s.pages.Get(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	encodedID := chi.URLParam(r, "encodedID")
	xp, ok := ps.XPathMap()[encodedID]
	if !ok {
		respondError(w, apierr.New(apierr.KindNoXPathForEncoded, "no xpath for encoded id "+encodedID))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"xpath": xp})
}

type selectorRequest struct {
	Selector string `json:"selector"`
}

func (s *Server) handleGetListHTML(w http.ResponseWriter, r *http.Request) {
	s.handleGetList(w, r, false, recorder.KindGetListHTML)
}

func (s *Server) handleGetListHTMLByParent(w http.ResponseWriter, r *http.Request) {
	s.handleGetList(w, r, true, recorder.KindGetListHTMLByParent)
}

func (s *Server) handleGetList(w http.ResponseWriter, r *http.Request, byParent bool, kind recorder.Kind) {
	ps, err := s.pages.Get(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	var req selectorRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	items, err := queryList(r.Context(), ps, req.Selector, byParent)
	if err != nil {
		respondError(w, err)
		return
	}

	rec := ps.Recorder()
	var listFile string
	if rec != nil {
		name := fmt.Sprintf("%d-list.json", time.Now().UnixNano())
		if data, merr := json.Marshal(items); merr == nil {
			if written, werr := rec.WriteArtifact(name, data); werr == nil {
				listFile = written
			}
		}
		if _, err := rec.Append(r.Context(), recorder.Action{Kind: kind, Selector: req.Selector, ListFile: listFile}); err != nil {
			s.logger.Warn("failed to record list-html action", zap.Error(err))
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "listFile": listFile, "count": len(items)})
}

func (s *Server) handleGetElementHTML(w http.ResponseWriter, r *http.Request) {
	ps, err := s.pages.Get(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	var req selectorRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	html, err := queryElement(r.Context(), ps, req.Selector)
	if err != nil {
		respondError(w, err)
		return
	}

	rec := ps.Recorder()
	var elementFile string
	if rec != nil {
		name := fmt.Sprintf("%d-element.html", time.Now().UnixNano())
		if written, werr := rec.WriteArtifact(name, []byte(html)); werr == nil {
			elementFile = written
		}
		if _, err := rec.Append(r.Context(), recorder.Action{Kind: recorder.KindGetElementHTML, Selector: req.Selector, ElementFile: elementFile}); err != nil {
			s.logger.Warn("failed to record element-html action", zap.Error(err))
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "elementFile": elementFile})
}

func (s *Server) handleDeleteAction(w http.ResponseWriter, r *http.Request) {
	ps, err := s.pages.Get(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	rec := ps.Recorder()
	if rec == nil {
		respondError(w, apierr.New(apierr.KindRecordingNotFound, "page is not recording"))
		return
	}
	idx := parseIntDefault(chi.URLParam(r, "idx"), -1)
	if idx < 0 {
		respondError(w, apierr.New(apierr.KindBadRequest, "invalid action index"))
		return
	}
	if err := rec.DeleteAction(idx); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteAllRecords(w http.ResponseWriter, r *http.Request) {
	ps, err := s.pages.Get(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	rec := ps.Recorder()
	if rec == nil {
		respondError(w, apierr.New(apierr.KindRecordingNotFound, "page is not recording"))
		return
	}
	if err := rec.DeleteAllRecords(); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.pages.ListRecordings()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	ps, err := s.pages.Get(pageID)
	if err != nil {
		if apierr.Is(err, apierr.KindPageNotFound) {
			// The recording directory outlives its live page (spec.md §3),
			// so a closed page's recording is still served from disk.
			detail, derr := s.pages.LoadRecordingDetail(pageID)
			if derr != nil {
				respondError(w, derr)
				return
			}
			respondJSON(w, http.StatusOK, detail)
			return
		}
		respondError(w, err)
		return
	}
	rec := ps.Recorder()
	if rec == nil {
		respondJSON(w, http.StatusOK, map[string]any{"recordingEnabled": false, "message": "page was created without recordActions"})
		return
	}
	id, name, description := rec.Summary()
	respondJSON(w, http.StatusOK, map[string]any{
		"id": id, "name": name, "description": description,
		"actions": rec.Actions(), "basePath": rec.Dir(), "dataPath": rec.DataDir(),
	})
}

func (s *Server) recordingDataDir(pageID string) (string, error) {
	ps, err := s.pages.Get(pageID)
	if err != nil {
		return "", err
	}
	rec := ps.Recorder()
	if rec == nil {
		return "", apierr.New(apierr.KindRecordingNotFound, "page is not recording")
	}
	return rec.DataDir(), nil
}

func (s *Server) handleRecordingFile(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r)
}

func (s *Server) handleRecordingDataFile(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r)
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request) {
	dataDir, err := s.recordingDataDir(chi.URLParam(r, "pageID"))
	if err != nil {
		respondError(w, err)
		return
	}
	filename := chi.URLParam(r, "filename")
	path, err := safeArtifactPath(dataDir, filename)
	if err != nil {
		respondError(w, err)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		respondError(w, apierr.Wrap(apierr.KindFilesystemError, "read artifact", err))
		return
	}
	w.Header().Set("Content-Type", contentTypeForDataFile(filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replay.Request
	if err := decodeJSONBody(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	result, err := s.replay.Run(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
