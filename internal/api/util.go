package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/livoras/pageflow/internal/apierr"
)

const maxBodyBytes int64 = 4 << 20

// respondJSON writes payload as pretty-printed JSON, mirroring
// odvcencio-buckley/pkg/ipc/utils.go's respondJSON.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError maps err to spec.md §7's status table via apierr.Error,
// falling back to 500 for anything that isn't one.
func respondError(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	status := http.StatusInternalServerError
	message := err.Error()
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatus()
		message = apiErr.Message
	}
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeJSONBody decodes the request body into dst, capping size at
// maxBodyBytes, grounded on odvcencio-buckley/pkg/ipc/http_decode.go's
// decodeJSONBody (trimmed to this API's simpler all-required-body shape).
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return apierr.New(apierr.KindBadRequest, "request body required")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apierr.New(apierr.KindBadRequest, "request body required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apierr.New(apierr.KindBadRequest, "request body too large")
		}
		return apierr.Wrap(apierr.KindBadRequest, "decode request body", err)
	}
	return nil
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return def
}

// artifactFilenamePattern enforces spec.md §4.8's narrow filename shape:
// "<digits>-<suffix>" for known artifact types, plus the console log's
// "console-<digits>.log" shape.
var artifactFilenamePattern = regexp.MustCompile(`^(\d+-(structure\.txt|xpath\.json|screenshot\.png|list\.json|element\.html)|console-\d+\.log)$`)

// safeArtifactPath resolves filename under dataDir, rejecting anything that
// doesn't match the allow-list or that would escape dataDir, per spec.md
// §4.8's "path-containment check" and "narrow filename shape allow-list".
func safeArtifactPath(dataDir, filename string) (string, error) {
	if !artifactFilenamePattern.MatchString(filename) {
		return "", apierr.New(apierr.KindForbidden, "filename not allowed: "+filename)
	}
	resolved := filepath.Join(dataDir, filename)
	canonicalDir, err := filepath.Abs(dataDir)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "resolve data directory", err)
	}
	canonicalFile, err := filepath.Abs(resolved)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "resolve artifact path", err)
	}
	if !strings.HasPrefix(canonicalFile, canonicalDir+string(filepath.Separator)) {
		return "", apierr.New(apierr.KindForbidden, "path escapes recording data directory")
	}
	return canonicalFile, nil
}

func contentTypeForDataFile(filename string) string {
	switch {
	case strings.HasSuffix(filename, "-list.json"):
		return "application/json"
	case strings.HasSuffix(filename, "-element.html"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(filename, ".png"):
		return "image/png"
	case strings.HasSuffix(filename, ".json"):
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}
