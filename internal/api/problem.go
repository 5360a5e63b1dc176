package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ipa-tuura/internal/backend"
	"github.com/isometry/ipa-tuura/internal/domain"
	"github.com/isometry/ipa-tuura/internal/enroll"
	"github.com/isometry/ipa-tuura/internal/identity"
	"github.com/isometry/ipa-tuura/internal/ipa"
	"github.com/isometry/ipa-tuura/internal/ldap"
	"github.com/isometry/ipa-tuura/internal/logging"
	"github.com/isometry/ipa-tuura/internal/scim"
)

// Problem is an RFC 7807 problem details body.
type Problem struct {
	Type     string `json:"type,omitempty"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// ContentTypeProblemJSON is the media type of problem responses.
const ContentTypeProblemJSON = "application/problem+json"

func writeProblem(w http.ResponseWriter, status int, detail string) {
	writeBody(w, status, ContentTypeProblemJSON, &Problem{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

// writeError maps err to a status and writes it as a problem.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	logFailure(ctx, status, err)
	writeProblem(w, status, err.Error())
}

// writeSCIMError writes err as a SCIM error body.
func writeSCIMError(ctx context.Context, w http.ResponseWriter, err error) {
	var scimErr *scim.Error
	if !errors.As(err, &scimErr) {
		status := statusFor(err)
		scimType := ""
		if status == http.StatusConflict {
			scimType = scim.TypeUniqueness
		}
		scimErr = scim.NewError(status, scimType, err.Error())
	}
	logFailure(ctx, scimErr.StatusCode(), err)
	writeBody(w, scimErr.StatusCode(), scim.ContentType, scimErr)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		scimErr     *scim.Error
		validateErr validator.ValidationErrors
	)
	switch {
	case errors.As(err, &scimErr):
		return scimErr.StatusCode()
	case errors.As(err, &validateErr):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrNotFound),
		errors.Is(err, identity.ErrBackendNotFound),
		errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, identity.ErrConflict), ldap.IsConflictError(err), ipa.IsDuplicate(err):
		return http.StatusConflict
	case errors.Is(err, backend.ErrNoDomain),
		errors.Is(err, enroll.ErrQueueFull),
		errors.Is(err, enroll.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func logFailure(ctx context.Context, status int, err error) {
	fields := map[string]any{"status": status, "error": err.Error()}
	if status >= http.StatusInternalServerError {
		tflog.SubsystemError(ctx, logging.SubsystemAPI, "Request failed", fields)
		return
	}
	tflog.SubsystemDebug(ctx, logging.SubsystemAPI, "Request rejected", fields)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	writeBody(w, status, "application/json", data)
}

// writeBody encodes to a buffer first so an encoding failure can still be
// reported before headers go out.
func writeBody(w http.ResponseWriter, status int, contentType string, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"title":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
