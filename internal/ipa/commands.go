package ipa

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Result is the envelope every IPA command answers with.
type Result struct {
	Result    json.RawMessage `json:"result"`
	Value     any             `json:"value"`
	Summary   string          `json:"summary"`
	Failed    any             `json:"failed,omitempty"`
	Completed *int            `json:"completed,omitempty"`
}

func (c *Client) command(ctx context.Context, method string, args []any, options map[string]any) (*Result, error) {
	raw, err := c.Call(ctx, method, args, options)
	if err != nil {
		return nil, err
	}

	var res Result
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return &res, nil
}

// Ping checks the server is reachable and returns its summary line.
func (c *Client) Ping(ctx context.Context) (string, error) {
	res, err := c.command(ctx, "ping", nil, nil)
	if err != nil {
		return "", err
	}
	return res.Summary, nil
}

// UserAdd creates uid with the given attributes (givenname, sn, mail, ...).
func (c *Client) UserAdd(ctx context.Context, uid string, attrs map[string]any) error {
	_, err := c.command(ctx, "user_add", []any{uid}, attrs)
	return err
}

// UserMod updates uid. A no-op change fails with EmptyModlist.
func (c *Client) UserMod(ctx context.Context, uid string, attrs map[string]any) error {
	_, err := c.command(ctx, "user_mod", []any{uid}, attrs)
	return err
}

// UserDel removes uid.
func (c *Client) UserDel(ctx context.Context, uid string) error {
	_, err := c.command(ctx, "user_del", []any{uid}, nil)
	return err
}

// ServiceAdd registers a service principal.
func (c *Client) ServiceAdd(ctx context.Context, principal string) error {
	_, err := c.command(ctx, "service_add", []any{principal}, nil)
	return err
}

// ServiceDel removes a service principal.
func (c *Client) ServiceDel(ctx context.Context, principal string) error {
	_, err := c.command(ctx, "service_del", []any{principal}, nil)
	return err
}

// RoleAdd creates a role.
func (c *Client) RoleAdd(ctx context.Context, role string) error {
	_, err := c.command(ctx, "role_add", []any{role}, nil)
	return err
}

// RoleDel removes a role.
func (c *Client) RoleDel(ctx context.Context, role string) error {
	_, err := c.command(ctx, "role_del", []any{role}, nil)
	return err
}

// RoleAddMember adds a service principal to role. A principal that is
// already a member is reported as DuplicateEntry.
func (c *Client) RoleAddMember(ctx context.Context, role, service string) error {
	const method = "role_add_member"
	res, err := c.command(ctx, method, []any{role}, map[string]any{"service": []string{service}})
	if err != nil {
		return err
	}
	return memberError(method, res, "already a member", CodeDuplicateEntry, "DuplicateEntry")
}

// RoleRemoveMember removes a service principal from role. A principal that
// is not a member is reported as NotFound.
func (c *Client) RoleRemoveMember(ctx context.Context, role, service string) error {
	const method = "role_remove_member"
	res, err := c.command(ctx, method, []any{role}, map[string]any{"service": []string{service}})
	if err != nil {
		return err
	}
	return memberError(method, res, "not a member", CodeNotFound, "NotFound")
}

// RoleAddPrivilege grants privilege to role. A privilege the role already
// holds is reported as DuplicateEntry.
func (c *Client) RoleAddPrivilege(ctx context.Context, role, privilege string) error {
	const method = "role_add_privilege"
	res, err := c.command(ctx, method, []any{role}, map[string]any{"privilege": []string{privilege}})
	if err != nil {
		return err
	}
	return memberError(method, res, "already a member", CodeDuplicateEntry, "DuplicateEntry")
}

// memberError turns the per-member failures of a membership command into an
// error. These commands succeed at the RPC level and report failures as
// [name, reason] pairs under "failed" with completed=0.
func memberError(method string, res *Result, marker string, code int, name string) error {
	if res.Completed == nil || *res.Completed > 0 {
		return nil
	}
	reasons := failures(res.Failed)
	if len(reasons) == 0 {
		return nil
	}

	msg := strings.Join(reasons, "; ")
	for _, reason := range reasons {
		if strings.Contains(strings.ToLower(reason), marker) {
			return &Error{Code: code, Name: name, Message: msg, Method: method}
		}
	}
	return &Error{Name: "MemberFailed", Message: msg, Method: method}
}

// failures walks the nested "failed" structure and collects "name: reason"
// strings.
func failures(v any) []string {
	var out []string
	switch val := v.(type) {
	case map[string]any:
		for _, inner := range val {
			out = append(out, failures(inner)...)
		}
	case []any:
		if len(val) == 2 {
			name, ok1 := val[0].(string)
			reason, ok2 := val[1].(string)
			if ok1 && ok2 {
				return []string{name + ": " + reason}
			}
		}
		for _, inner := range val {
			out = append(out, failures(inner)...)
		}
	}
	return out
}
