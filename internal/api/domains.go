package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ipa-tuura/internal/domain"
	"github.com/isometry/ipa-tuura/internal/enroll"
	"github.com/isometry/ipa-tuura/internal/logging"
)

type domainHandler struct {
	store    DomainStore
	enroller Enroller
	jobs     JobQueue
}

// acceptedResponse is returned for writes that run in the background.
type acceptedResponse struct {
	Job    enroll.JobStatus `json:"job"`
	Domain *domain.Record   `json:"domain,omitempty"`
}

// Create validates the record, refuses it while another domain is active
// and queues the enrollment.
func (h *domainHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rec domain.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := rec.ApplyDefaults(); err != nil {
		writeError(ctx, w, err)
		return
	}
	if err := rec.Validate(); err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	rec.ID = domain.SingletonID

	if err := h.enroller.CheckAvailable(ctx); err != nil {
		writeError(ctx, w, err)
		return
	}

	h.submit(w, r, enroll.Job{Kind: enroll.JobAdd, Record: &rec}, rec.Redacted())
}

// List returns the configured domain, if any, as a list.
func (h *domainHandler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.List(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	out := make([]*domain.Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Redacted())
	}
	writeJSON(w, http.StatusOK, out)
}

// Get returns the domain with the given id.
func (h *domainHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.lookup(r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.Redacted())
}

// Delete queues removal of the domain. A domain that does not exist needs
// no work and answers 204.
func (h *domainHandler) Delete(w http.ResponseWriter, r *http.Request) {
	rec, err := h.lookup(r)
	if errors.Is(err, domain.ErrNotFound) {
		tflog.SubsystemInfo(r.Context(), logging.SubsystemAPI, "Domain to delete not found", map[string]any{
			"id": chi.URLParam(r, "id"),
		})
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	h.submit(w, r, enroll.Job{Kind: enroll.JobDelete}, rec.Redacted())
}

// Job reports the state of an enrollment job.
func (h *domainHandler) Job(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid job id")
		return
	}
	status, ok := h.jobs.Status(id)
	if !ok {
		writeProblem(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *domainHandler) lookup(r *http.Request) (*domain.Record, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	rec, err := h.store.Get(r.Context())
	if err != nil {
		return nil, err
	}
	if uint64(rec.ID) != id {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

func (h *domainHandler) submit(w http.ResponseWriter, r *http.Request, job enroll.Job, rec *domain.Record) {
	id, err := h.jobs.Submit(job)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	status, _ := h.jobs.Status(id)
	tflog.SubsystemInfo(r.Context(), logging.SubsystemAPI, "Enrollment job queued", map[string]any{
		"job_id": id.String(),
		"kind":   string(job.Kind),
		"domain": rec.Name,
	})

	w.Header().Set("Location", "/jobs/"+id.String())
	writeJSON(w, http.StatusAccepted, acceptedResponse{Job: status, Domain: rec})
}
