package ipa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcCall struct {
	Method  string
	Args    []any
	Options map[string]any
	Referer string
}

// fakeIPA answers JSON-RPC requests from a per-method reply table.
type fakeIPA struct {
	t       *testing.T
	mu      sync.Mutex
	calls   []rpcCall
	replies map[string]string
}

func newFakeIPA(t *testing.T, replies map[string]string) (*fakeIPA, *Client) {
	t.Helper()
	f := &fakeIPA{t: t, replies: replies}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, NewClient("ipa.test", WithBaseURL(srv.URL+"/ipa"), WithHTTPClient(srv.Client()))
}

func (f *fakeIPA) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ipa/json" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	require.Len(f.t, req.Params, 2)

	call := rpcCall{Method: req.Method, Referer: r.Header.Get("Referer")}
	require.NoError(f.t, json.Unmarshal(req.Params[0], &call.Args))
	require.NoError(f.t, json.Unmarshal(req.Params[1], &call.Options))

	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	reply, ok := f.replies[req.Method]
	if !ok {
		reply = `{"result": {"result": {}, "value": "", "summary": null}, "error": null, "id": 0}`
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(reply))
}

func (f *fakeIPA) Calls() []rpcCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rpcCall(nil), f.calls...)
}

func errorReply(code int, name, message string) string {
	b, _ := json.Marshal(map[string]any{
		"result": nil,
		"error":  map[string]any{"code": code, "name": name, "message": message},
		"id":     0,
	})
	return string(b)
}

func TestClientCall_RequestShape(t *testing.T) {
	fake, c := newFakeIPA(t, nil)

	require.NoError(t, c.UserAdd(context.Background(), "jdoe", map[string]any{
		"givenname": "John",
		"sn":        "Doe",
	}))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "user_add", calls[0].Method)
	assert.Equal(t, []any{"jdoe"}, calls[0].Args)
	assert.Equal(t, map[string]any{
		"givenname": "John",
		"sn":        "Doe",
		"version":   DefaultAPIVersion,
	}, calls[0].Options)
	assert.Contains(t, calls[0].Referer, "/ipa")
}

func TestClientCall_APIVersion(t *testing.T) {
	fake, c := newFakeIPA(t, nil)
	WithAPIVersion("2.230")(c)

	require.NoError(t, c.UserDel(context.Background(), "jdoe"))
	assert.Equal(t, "2.230", fake.Calls()[0].Options["version"])
}

func TestClientCall_Errors(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		check     func(error) bool
		wantError string
	}{
		{
			name:      "not found",
			reply:     errorReply(CodeNotFound, "NotFound", "jdoe: user not found"),
			check:     IsNotFound,
			wantError: "ipa user_mod: NotFound: jdoe: user not found",
		},
		{
			name:      "duplicate",
			reply:     errorReply(CodeDuplicateEntry, "DuplicateEntry", "user with name \"jdoe\" already exists"),
			check:     IsDuplicate,
			wantError: "ipa user_mod: DuplicateEntry: user with name \"jdoe\" already exists",
		},
		{
			name:      "empty modlist",
			reply:     errorReply(CodeEmptyModlist, "EmptyModlist", "no modifications to be performed"),
			check:     IsEmptyModlist,
			wantError: "ipa user_mod: EmptyModlist: no modifications to be performed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newFakeIPA(t, map[string]string{"user_mod": tt.reply})

			err := c.UserMod(context.Background(), "jdoe", map[string]any{"sn": "Doe"})
			require.Error(t, err)
			assert.True(t, tt.check(err))
			assert.EqualError(t, err, tt.wantError)
		})
	}
}

func TestClientCall_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("ipa.test", WithBaseURL(srv.URL+"/ipa"), WithHTTPClient(srv.Client()))
	_, err := c.Ping(context.Background())

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, "Unauthorized", statusErr.Body)
}

func TestClientPing(t *testing.T) {
	_, c := newFakeIPA(t, map[string]string{
		"ping": `{"result": {"summary": "IPA server version 4.11.1. API version 2.251"}, "error": null, "id": 0}`,
	})

	summary, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "IPA server version 4.11.1. API version 2.251", summary)
}

func TestClientMembership(t *testing.T) {
	const role = "ipatuura writable interface"
	const principal = "ipatuura/scim.ipa.test@IPA.TEST"

	t.Run("member added", func(t *testing.T) {
		fake, c := newFakeIPA(t, map[string]string{
			"role_add_member": `{"result": {"result": {"cn": ["` + role + `"]}, "failed": {"member": {"service": []}}, "completed": 1}, "error": null}`,
		})

		require.NoError(t, c.RoleAddMember(context.Background(), role, principal))
		calls := fake.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, []any{role}, calls[0].Args)
		assert.Equal(t, []any{principal}, calls[0].Options["service"])
	})

	t.Run("already a member", func(t *testing.T) {
		_, c := newFakeIPA(t, map[string]string{
			"role_add_member": `{"result": {"result": {}, "failed": {"member": {"group": [], "service": [["` + principal + `", "This entry is already a member"]]}}, "completed": 0}, "error": null}`,
		})

		err := c.RoleAddMember(context.Background(), role, principal)
		assert.True(t, IsDuplicate(err))
		assert.Contains(t, err.Error(), principal)
	})

	t.Run("not a member", func(t *testing.T) {
		_, c := newFakeIPA(t, map[string]string{
			"role_remove_member": `{"result": {"result": {}, "failed": {"member": {"service": [["` + principal + `", "This entry is not a member"]]}}, "completed": 0}, "error": null}`,
		})

		assert.True(t, IsNotFound(c.RoleRemoveMember(context.Background(), role, principal)))
	})

	t.Run("privilege already granted", func(t *testing.T) {
		fake, c := newFakeIPA(t, map[string]string{
			"role_add_privilege": `{"result": {"result": {}, "failed": {"privilege": [["User Administrators", "This entry is already a member"]]}, "completed": 0}, "error": null}`,
		})

		assert.True(t, IsDuplicate(c.RoleAddPrivilege(context.Background(), role, "User Administrators")))
		assert.Equal(t, []any{"User Administrators"}, fake.Calls()[0].Options["privilege"])
	})

	t.Run("other member failure", func(t *testing.T) {
		_, c := newFakeIPA(t, map[string]string{
			"role_add_member": `{"result": {"result": {}, "failed": {"member": {"service": [["` + principal + `", "no such entry"]]}}, "completed": 0}, "error": null}`,
		})

		err := c.RoleAddMember(context.Background(), role, principal)
		require.Error(t, err)
		assert.False(t, IsDuplicate(err))
		assert.False(t, IsNotFound(err))
	})
}

func TestFailures(t *testing.T) {
	var failed any
	require.NoError(t, json.Unmarshal([]byte(`{"member": {"user": [], "service": [["a", "reason a"], ["b", "reason b"]]}}`), &failed))

	assert.ElementsMatch(t, []string{"a: reason a", "b: reason b"}, failures(failed))
	assert.Empty(t, failures(nil))
}
