// Package api serves the domain management and SCIM endpoints.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ipa-tuura/internal/domain"
	"github.com/isometry/ipa-tuura/internal/enroll"
	"github.com/isometry/ipa-tuura/internal/identity"
	"github.com/isometry/ipa-tuura/internal/logging"
)

// DomainStore reads the persisted domain record.
type DomainStore interface {
	Get(ctx context.Context) (*domain.Record, error)
	List(ctx context.Context) ([]*domain.Record, error)
}

// Enroller reports whether a new domain may be added.
type Enroller interface {
	CheckAvailable(ctx context.Context) error
}

// JobQueue accepts enrollment jobs and reports on them.
type JobQueue interface {
	Submit(job enroll.Job) (uuid.UUID, error)
	Status(id uuid.UUID) (enroll.JobStatus, bool)
}

// Lookup resolves users and groups through the local lookup daemon.
type Lookup interface {
	FindUserByName(ctx context.Context, name string, expand bool) (*identity.User, error)
	FindUserByID(ctx context.Context, id uint32, expand bool) (*identity.User, error)
	FindGroupByName(ctx context.Context, name string, expand bool) (*identity.Group, error)
	FindGroupByID(ctx context.Context, id uint32, expand bool) (*identity.Group, error)
	ListUsers(ctx context.Context, filter string, limit uint32) ([]*identity.User, error)
	ListGroups(ctx context.Context, filter string, limit uint32) ([]*identity.Group, error)
}

// UserWriter forwards user writes to the active backend.
type UserWriter interface {
	Add(ctx context.Context, user *identity.User) error
	Modify(ctx context.Context, user *identity.User) error
	Delete(ctx context.Context, user *identity.User) error
}

// Deps are the collaborators behind the routes. Metrics may be nil.
type Deps struct {
	Domains  DomainStore
	Enroller Enroller
	Jobs     JobQueue
	Lookup   Lookup
	Users    UserWriter
	Metrics  http.Handler

	// RequestTimeout bounds each request. Zero disables the limit.
	RequestTimeout time.Duration
}

// NewRouter builds the HTTP handler.
//
// Routes:
//   - GET /health
//   - GET /metrics
//   - /domains/* - domain enrollment, answered with 202 and a job id
//   - GET /jobs/{id} - enrollment job status
//   - /scim/v2/* - SCIM Users, Groups and ServiceProviderConfig
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if deps.RequestTimeout > 0 {
		r.Use(middleware.Timeout(deps.RequestTimeout))
	}

	r.Get("/health", healthHandler(deps.Domains))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	domains := &domainHandler{store: deps.Domains, enroller: deps.Enroller, jobs: deps.Jobs}
	r.Route("/domains", func(r chi.Router) {
		r.Post("/", domains.Create)
		r.Get("/", domains.List)
		r.Get("/{id}", domains.Get)
		r.Delete("/{id}", domains.Delete)
	})
	r.Get("/jobs/{id}", domains.Job)

	users := &scimHandler{lookup: deps.Lookup, users: deps.Users}
	r.Route(scimPrefix, func(r chi.Router) {
		r.Get("/ServiceProviderConfig", users.ServiceProviderConfig)
		r.Route("/Users", func(r chi.Router) {
			r.Get("/", users.ListUsers)
			r.Post("/", users.CreateUser)
			r.Get("/{id}", users.GetUser)
			r.Put("/{id}", users.ReplaceUser)
			r.Delete("/{id}", users.DeleteUser)
		})
		r.Route("/Groups", func(r chi.Router) {
			r.Get("/", users.ListGroups)
			r.Get("/{id}", users.GetGroup)
		})
	})

	return r
}

func isHealthPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/")
}

// requestLogger logs each request on the api subsystem. Health probes are
// logged at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		fields := map[string]any{
			"request_id":  middleware.GetReqID(ctx),
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
		}
		tflog.SubsystemDebug(ctx, logging.SubsystemAPI, "API request started", fields)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields["status"] = ww.Status()
		fields["bytes"] = ww.BytesWritten()
		fields["duration_ms"] = time.Since(start).Milliseconds()

		if isHealthPath(r.URL.Path) {
			tflog.SubsystemDebug(ctx, logging.SubsystemAPI, "API request completed", fields)
		} else {
			tflog.SubsystemInfo(ctx, logging.SubsystemAPI, "API request completed", fields)
		}
	})
}
