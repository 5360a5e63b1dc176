package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ipa-tuura/internal/domain"
	"github.com/isometry/ipa-tuura/internal/enroll"
	"github.com/isometry/ipa-tuura/internal/identity"
)

type MockLookup struct {
	mock.Mock
}

func (m *MockLookup) FindUserByName(ctx context.Context, name string, expand bool) (*identity.User, error) {
	args := m.Called(ctx, name, expand)
	u, _ := args.Get(0).(*identity.User)
	return u, args.Error(1)
}

func (m *MockLookup) FindUserByID(ctx context.Context, id uint32, expand bool) (*identity.User, error) {
	args := m.Called(ctx, id, expand)
	u, _ := args.Get(0).(*identity.User)
	return u, args.Error(1)
}

func (m *MockLookup) FindGroupByName(ctx context.Context, name string, expand bool) (*identity.Group, error) {
	args := m.Called(ctx, name, expand)
	g, _ := args.Get(0).(*identity.Group)
	return g, args.Error(1)
}

func (m *MockLookup) FindGroupByID(ctx context.Context, id uint32, expand bool) (*identity.Group, error) {
	args := m.Called(ctx, id, expand)
	g, _ := args.Get(0).(*identity.Group)
	return g, args.Error(1)
}

func (m *MockLookup) ListUsers(ctx context.Context, filter string, limit uint32) ([]*identity.User, error) {
	args := m.Called(ctx, filter, limit)
	users, _ := args.Get(0).([]*identity.User)
	return users, args.Error(1)
}

func (m *MockLookup) ListGroups(ctx context.Context, filter string, limit uint32) ([]*identity.Group, error) {
	args := m.Called(ctx, filter, limit)
	groups, _ := args.Get(0).([]*identity.Group)
	return groups, args.Error(1)
}

type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) Add(ctx context.Context, user *identity.User) error {
	return m.Called(ctx, user).Error(0)
}

func (m *MockWriter) Modify(ctx context.Context, user *identity.User) error {
	return m.Called(ctx, user).Error(0)
}

func (m *MockWriter) Delete(ctx context.Context, user *identity.User) error {
	return m.Called(ctx, user).Error(0)
}

type fakeStore struct {
	rec *domain.Record
	err error
}

func (s *fakeStore) Get(context.Context) (*domain.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.rec == nil {
		return nil, domain.ErrNotFound
	}
	c := *s.rec
	return &c, nil
}

func (s *fakeStore) List(ctx context.Context) ([]*domain.Record, error) {
	rec, err := s.Get(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []*domain.Record{rec}, nil
}

type fakeEnroller struct {
	err error
}

func (e *fakeEnroller) CheckAvailable(context.Context) error {
	return e.err
}

type fakeQueue struct {
	jobs   []enroll.Job
	status map[uuid.UUID]enroll.JobStatus
	err    error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{status: map[uuid.UUID]enroll.JobStatus{}}
}

func (q *fakeQueue) Submit(job enroll.Job) (uuid.UUID, error) {
	if q.err != nil {
		return uuid.Nil, q.err
	}
	job.ID = uuid.New()
	q.jobs = append(q.jobs, job)
	st := enroll.JobStatus{ID: job.ID, Kind: job.Kind, State: enroll.StatePending}
	if job.Record != nil {
		st.Domain = job.Record.Name
	}
	q.status[job.ID] = st
	return job.ID, nil
}

func (q *fakeQueue) Status(id uuid.UUID) (enroll.JobStatus, bool) {
	st, ok := q.status[id]
	return st, ok
}

type testAPI struct {
	handler  http.Handler
	store    *fakeStore
	enroller *fakeEnroller
	queue    *fakeQueue
	lookup   *MockLookup
	writer   *MockWriter
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	a := &testAPI{
		store:    &fakeStore{},
		enroller: &fakeEnroller{},
		queue:    newFakeQueue(),
		lookup:   &MockLookup{},
		writer:   &MockWriter{},
	}
	a.handler = NewRouter(Deps{
		Domains:  a.store,
		Enroller: a.enroller,
		Jobs:     a.queue,
		Lookup:   a.lookup,
		Users:    a.writer,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	})
	t.Cleanup(func() {
		a.lookup.AssertExpectations(t)
		a.writer.AssertExpectations(t)
	})
	return a
}

func (a *testAPI) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func filterQuery(expr string) string {
	return "?filter=" + url.QueryEscape(expr)
}
