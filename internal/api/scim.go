package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ipa-tuura/internal/identity"
	"github.com/isometry/ipa-tuura/internal/logging"
	"github.com/isometry/ipa-tuura/internal/scim"
)

const scimPrefix = "/scim/v2"

// listPattern matches every name in an InfoPipe ListByName call.
const listPattern = "*"

type scimHandler struct {
	lookup Lookup
	users  UserWriter
}

// scimBase is the absolute SCIM root for resource locations.
func scimBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + scimPrefix
}

func writeSCIM(w http.ResponseWriter, status int, data any) {
	writeBody(w, status, scim.ContentType, data)
}

// ServiceProviderConfig describes the supported SCIM features.
func (h *scimHandler) ServiceProviderConfig(w http.ResponseWriter, r *http.Request) {
	writeSCIM(w, http.StatusOK, scim.NewServiceProviderConfig(scimBase(r)))
}

// ListUsers answers an equality filter on userName, or lists up to
// scim.MaxResults users.
func (h *scimHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	base := scimBase(r)

	var users []*identity.User
	if expr := r.URL.Query().Get("filter"); expr != "" {
		name, err := scim.ParseFilter(expr, scim.FilterUserName)
		if err != nil {
			writeSCIMError(ctx, w, err)
			return
		}
		user, err := h.lookup.FindUserByName(ctx, name, true)
		switch {
		case err == nil:
			users = append(users, user)
		case !errors.Is(err, identity.ErrNotFound):
			writeSCIMError(ctx, w, err)
			return
		}
	} else {
		var err error
		users, err = h.lookup.ListUsers(ctx, listPattern, scim.MaxResults)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			writeSCIMError(ctx, w, err)
			return
		}
	}

	resources := make([]*scim.User, 0, len(users))
	for _, u := range users {
		resources = append(resources, h.renderUser(ctx, u, base))
	}
	writeSCIM(w, http.StatusOK, scim.NewListResponse(resources))
}

// GetUser returns one user with its groups.
func (h *scimHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := h.findUser(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeSCIMError(ctx, w, err)
		return
	}
	writeSCIM(w, http.StatusOK, h.renderUser(ctx, user, scimBase(r)))
}

// CreateUser provisions a user in the backend.
func (h *scimHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := scim.DecodeUser(r.Body)
	if err != nil {
		writeSCIMError(ctx, w, err)
		return
	}
	if err := req.ValidateNew(); err != nil {
		writeSCIMError(ctx, w, err)
		return
	}

	user := req.ToIdentity()
	if err := h.users.Add(ctx, user); err != nil {
		writeSCIMError(ctx, w, err)
		return
	}

	out := scim.FromIdentityUser(user, scimBase(r))
	out.ExternalID = req.ExternalID
	w.Header().Set("Location", out.Meta.Location)
	writeSCIM(w, http.StatusCreated, out)
}

// ReplaceUser updates the user's mapped attributes in the backend.
func (h *scimHandler) ReplaceUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	req, err := scim.DecodeUser(r.Body)
	if err != nil {
		writeSCIMError(ctx, w, err)
		return
	}
	name, err := h.resolveName(ctx, id)
	if err != nil {
		writeSCIMError(ctx, w, err)
		return
	}
	if req.UserName != "" && !strings.EqualFold(req.UserName, name) {
		writeSCIMError(ctx, w, scim.BadRequest(scim.TypeInvalidValue,
			fmt.Sprintf("userName %q does not match user %s", req.UserName, name)))
		return
	}
	req.UserName = name
	if req.ID == "" {
		req.ID = id
	}

	user := req.ToIdentity()
	if err := h.users.Modify(ctx, user); err != nil {
		writeSCIMError(ctx, w, err)
		return
	}

	out := scim.FromIdentityUser(user, scimBase(r))
	out.ExternalID = req.ExternalID
	writeSCIM(w, http.StatusOK, out)
}

// DeleteUser removes the user from the backend.
func (h *scimHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	name, err := h.resolveName(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeSCIMError(ctx, w, err)
		return
	}
	if err := h.users.Delete(ctx, &identity.User{Name: name}); err != nil {
		writeSCIMError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListGroups answers an equality filter on displayName, or lists up to
// scim.MaxResults groups.
func (h *scimHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	base := scimBase(r)

	var groups []*identity.Group
	if expr := r.URL.Query().Get("filter"); expr != "" {
		name, err := scim.ParseFilter(expr, scim.FilterDisplayName)
		if err != nil {
			writeSCIMError(ctx, w, err)
			return
		}
		group, err := h.lookup.FindGroupByName(ctx, name, true)
		switch {
		case err == nil:
			groups = append(groups, group)
		case !errors.Is(err, identity.ErrNotFound):
			writeSCIMError(ctx, w, err)
			return
		}
	} else {
		var err error
		groups, err = h.lookup.ListGroups(ctx, listPattern, scim.MaxResults)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			writeSCIMError(ctx, w, err)
			return
		}
	}

	resources := make([]*scim.Group, 0, len(groups))
	for _, g := range groups {
		resources = append(resources, scim.FromIdentityGroup(g, base))
	}
	writeSCIM(w, http.StatusOK, scim.NewListResponse(resources))
}

// GetGroup returns one group with its members.
func (h *scimHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var (
		group *identity.Group
		err   error
	)
	if gid, ok := numericID(id); ok {
		group, err = h.lookup.FindGroupByID(ctx, gid, true)
	} else {
		group, err = h.lookup.FindGroupByName(ctx, id, true)
	}
	if err != nil {
		writeSCIMError(ctx, w, err)
		return
	}
	writeSCIM(w, http.StatusOK, scim.FromIdentityGroup(group, scimBase(r)))
}

func (h *scimHandler) findUser(ctx context.Context, id string) (*identity.User, error) {
	if uid, ok := numericID(id); ok {
		return h.lookup.FindUserByID(ctx, uid, true)
	}
	return h.lookup.FindUserByName(ctx, id, true)
}

// resolveName maps a resource id to the login name writes are keyed by.
func (h *scimHandler) resolveName(ctx context.Context, id string) (string, error) {
	uid, ok := numericID(id)
	if !ok {
		return id, nil
	}
	user, err := h.lookup.FindUserByID(ctx, uid, false)
	if err != nil {
		return "", err
	}
	return user.Name, nil
}

// renderUser converts u and resolves its group names to gid numbers.
// Groups that can no longer be found are left out.
func (h *scimHandler) renderUser(ctx context.Context, u *identity.User, base string) *scim.User {
	out := scim.FromIdentityUser(u, base)
	if len(u.Groups) == 0 {
		return out
	}

	groups := make([]identity.Group, 0, len(u.Groups))
	for _, name := range u.Groups {
		g, err := h.lookup.FindGroupByName(ctx, name, false)
		if err != nil {
			tflog.SubsystemDebug(ctx, logging.SubsystemAPI, "Skipping unresolvable group", map[string]any{
				"user":  u.Name,
				"group": name,
				"error": err.Error(),
			})
			continue
		}
		groups = append(groups, *g)
	}
	out.SetGroups(groups, base)
	return out
}

func numericID(id string) (uint32, bool) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
