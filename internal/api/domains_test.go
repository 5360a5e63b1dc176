package api

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ipa-tuura/internal/domain"
	"github.com/isometry/ipa-tuura/internal/enroll"
	"github.com/isometry/ipa-tuura/internal/identity"
)

const ldapBody = `{
	"name": "ldap.test",
	"integration_domain_url": "ldap://ldap.test",
	"client_id": "cn=Directory Manager",
	"client_secret": "Secret123",
	"id_provider": "ldap",
	"users_dn": "ou=people,dc=ldap,dc=test"
}`

func storedDomain() *domain.Record {
	return &domain.Record{
		ID:             domain.SingletonID,
		Name:           "ipa.test",
		IntegrationURL: "https://master.ipa.test",
		ClientID:       "admin",
		ClientSecret:   "Secret123",
		Provider:       domain.ProviderIPA,
		UsersDN:        "cn=users,cn=accounts,dc=ipa,dc=test",
	}
}

func TestHealth(t *testing.T) {
	t.Run("no domain", func(t *testing.T) {
		a := newTestAPI(t)
		rec := a.do(t, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		body := decode[healthResponse](t, rec)
		assert.Equal(t, "healthy", body.Status)
		assert.Empty(t, body.Domain)
	})

	t.Run("with domain", func(t *testing.T) {
		a := newTestAPI(t)
		a.store.rec = storedDomain()
		body := decode[healthResponse](t, a.do(t, http.MethodGet, "/health", ""))
		assert.Equal(t, "ipa.test", body.Domain)
		assert.Equal(t, "ipa", body.Provider)
	})

	t.Run("database failure", func(t *testing.T) {
		a := newTestAPI(t)
		a.store.err = errors.New("database is locked")
		rec := a.do(t, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "unhealthy", decode[healthResponse](t, rec).Status)
	})
}

func TestMetricsRoute(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics\n", rec.Body.String())
}

func TestCreateDomain(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/domains/", ldapBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "Secret123")

	body := decode[acceptedResponse](t, rec)
	assert.Equal(t, enroll.JobAdd, body.Job.Kind)
	assert.Equal(t, enroll.StatePending, body.Job.State)
	assert.Equal(t, "/jobs/"+body.Job.ID.String(), rec.Header().Get("Location"))
	require.NotNil(t, body.Domain)
	assert.Equal(t, "ldap.test", body.Domain.Name)
	assert.Empty(t, body.Domain.ClientSecret)

	require.Len(t, a.queue.jobs, 1)
	job := a.queue.jobs[0]
	assert.Equal(t, enroll.JobAdd, job.Kind)
	assert.Equal(t, "Secret123", job.Record.ClientSecret)
	assert.Equal(t, uint(domain.SingletonID), job.Record.ID)
	assert.Equal(t, domain.DefaultLDAPObjectClasses, job.Record.UserObjectClasses)
}

func TestCreateDomainRejected(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		setup    func(a *testAPI)
		wantCode int
		detail   string
	}{
		{
			name:     "malformed json",
			body:     `{"name":`,
			wantCode: http.StatusBadRequest,
			detail:   "invalid request body",
		},
		{
			name:     "missing fields",
			body:     `{"name":"ldap.test","id_provider":"ldap"}`,
			wantCode: http.StatusBadRequest,
			detail:   "ClientID",
		},
		{
			name:     "unknown provider",
			body:     strings.Replace(ldapBody, `"ldap",`, `"nis",`, 1),
			wantCode: http.StatusBadRequest,
			detail:   "Provider",
		},
		{
			name: "domain active",
			body: ldapBody,
			setup: func(a *testAPI) {
				a.enroller.err = &identity.ConflictError{Active: []string{"ipa.test"}}
			},
			wantCode: http.StatusConflict,
			detail:   "ipa.test",
		},
		{
			name: "queue full",
			body: ldapBody,
			setup: func(a *testAPI) {
				a.queue.err = enroll.ErrQueueFull
			},
			wantCode: http.StatusServiceUnavailable,
			detail:   "full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI(t)
			if tt.setup != nil {
				tt.setup(a)
			}

			rec := a.do(t, http.MethodPost, "/domains/", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, ContentTypeProblemJSON, rec.Header().Get("Content-Type"))

			problem := decode[Problem](t, rec)
			assert.Equal(t, tt.wantCode, problem.Status)
			assert.Equal(t, http.StatusText(tt.wantCode), problem.Title)
			assert.Contains(t, problem.Detail, tt.detail)
			assert.Empty(t, a.queue.jobs)
		})
	}
}

func TestGetDomain(t *testing.T) {
	a := newTestAPI(t)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/domains/1", "").Code)
	assert.Equal(t, "[]\n", a.do(t, http.MethodGet, "/domains/", "").Body.String())

	a.store.rec = storedDomain()

	rec := a.do(t, http.MethodGet, "/domains/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "Secret123")
	assert.Equal(t, "ipa.test", decode[domain.Record](t, rec).Name)

	list := decode[[]domain.Record](t, a.do(t, http.MethodGet, "/domains/", ""))
	require.Len(t, list, 1)
	assert.Empty(t, list[0].ClientSecret)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/domains/2", "").Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/domains/abc", "").Code)
}

func TestDeleteDomain(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodDelete, "/domains/1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, a.queue.jobs)

	a.store.rec = storedDomain()
	rec = a.do(t, http.MethodDelete, "/domains/1", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode[acceptedResponse](t, rec)
	assert.Equal(t, enroll.JobDelete, body.Job.Kind)
	require.Len(t, a.queue.jobs, 1)
	assert.Equal(t, enroll.JobDelete, a.queue.jobs[0].Kind)
}

func TestJobStatus(t *testing.T) {
	a := newTestAPI(t)

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/jobs/not-a-uuid", "").Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/jobs/"+uuid.NewString(), "").Code)

	id, err := a.queue.Submit(enroll.Job{Kind: enroll.JobDelete})
	require.NoError(t, err)
	a.queue.status[id] = enroll.JobStatus{ID: id, Kind: enroll.JobDelete, State: enroll.StateFailed, Error: "step kinit: exit status 1"}

	rec := a.do(t, http.MethodGet, "/jobs/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[enroll.JobStatus](t, rec)
	assert.Equal(t, enroll.StateFailed, st.State)
	assert.Equal(t, "step kinit: exit status 1", st.Error)
}
