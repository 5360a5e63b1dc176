// Package sssd talks to the local SSSD daemon: identity lookups over the
// InfoPipe D-Bus responder, sssd.conf editing and service restarts.
package sssd

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ipa-tuura/internal/identity"
	"github.com/isometry/ipa-tuura/internal/logging"
	"github.com/isometry/ipa-tuura/internal/metrics"
)

// InfoPipe bus names, object paths and interfaces.
const (
	BusName = "org.freedesktop.sssd.infopipe"

	infopipePath dbus.ObjectPath = "/org/freedesktop/sssd/infopipe"
	usersPath    dbus.ObjectPath = "/org/freedesktop/sssd/infopipe/Users"
	groupsPath   dbus.ObjectPath = "/org/freedesktop/sssd/infopipe/Groups"

	infopipeIface = "org.freedesktop.sssd.infopipe"
	usersIface    = "org.freedesktop.sssd.infopipe.Users"
	userIface     = "org.freedesktop.sssd.infopipe.Users.User"
	groupsIface   = "org.freedesktop.sssd.infopipe.Groups"
	groupIface    = "org.freedesktop.sssd.infopipe.Groups.Group"

	propertiesGet = "org.freedesktop.DBus.Properties.Get"
)

// Conn is the subset of *dbus.Conn the client needs.
type Conn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Close() error
}

// Dialer opens a bus connection.
type Dialer func(ctx context.Context) (Conn, error)

// SystemBus connects to the system message bus.
func SystemBus(ctx context.Context) (Conn, error) {
	return dbus.ConnectSystemBus(dbus.WithContext(ctx))
}

// Client performs lookups through the InfoPipe responder. Every call opens
// its own connection.
type Client struct {
	dial    Dialer
	metrics *metrics.Lookup
}

// NewClient returns a client that connects with dial, or the system bus when
// dial is nil.
func NewClient(dial Dialer, m *metrics.Lookup) *Client {
	if dial == nil {
		dial = SystemBus
	}
	return &Client{dial: dial, metrics: m}
}

// FindUserByName looks up a user by login name. With expand, group
// memberships are included.
func (c *Client) FindUserByName(ctx context.Context, name string, expand bool) (*identity.User, error) {
	return c.findUser(ctx, name, "FindByName", name, expand)
}

// FindUserByID looks up a user by uid number.
func (c *Client) FindUserByID(ctx context.Context, id uint32, expand bool) (*identity.User, error) {
	return c.findUser(ctx, fmt.Sprint(id), "FindByID", id, expand)
}

// FindGroupByName looks up a group by name. With expand, the member list is
// refreshed and included.
func (c *Client) FindGroupByName(ctx context.Context, name string, expand bool) (*identity.Group, error) {
	return c.findGroup(ctx, name, "FindByName", name, expand)
}

// FindGroupByID looks up a group by gid number.
func (c *Client) FindGroupByID(ctx context.Context, id uint32, expand bool) (*identity.Group, error) {
	return c.findGroup(ctx, fmt.Sprint(id), "FindByID", id, expand)
}

// FindUserGroups returns name-only groups the user belongs to.
func (c *Client) FindUserGroups(ctx context.Context, name string) (groups []identity.Group, err error) {
	defer func() { c.metrics.Observe("user_groups", err) }()

	conn, err := c.connect(ctx, "user", name)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	names, err := userGroups(ctx, conn, name)
	if err != nil {
		return nil, c.notFound(ctx, "user", name, err)
	}
	for _, n := range names {
		groups = append(groups, identity.Group{Name: n})
	}
	return groups, nil
}

// ListUsers returns users whose name matches filter, a shell-style pattern
// evaluated by SSSD. A limit of zero means no limit.
func (c *Client) ListUsers(ctx context.Context, filter string, limit uint32) (users []*identity.User, err error) {
	defer func() { c.metrics.Observe("user_list", err) }()

	conn, err := c.connect(ctx, "user", filter)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var paths []dbus.ObjectPath
	if err := call(ctx, conn, usersPath, usersIface+".ListByName", filter, limit).Store(&paths); err != nil {
		return nil, c.notFound(ctx, "user", filter, err)
	}
	for _, path := range paths {
		user, err := readUser(ctx, conn, path)
		if err != nil {
			return nil, c.notFound(ctx, "user", filter, err)
		}
		users = append(users, user)
	}
	return users, nil
}

// ListGroups returns groups whose name matches filter.
func (c *Client) ListGroups(ctx context.Context, filter string, limit uint32) (groups []*identity.Group, err error) {
	defer func() { c.metrics.Observe("group_list", err) }()

	conn, err := c.connect(ctx, "group", filter)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var paths []dbus.ObjectPath
	if err := call(ctx, conn, groupsPath, groupsIface+".ListByName", filter, limit).Store(&paths); err != nil {
		return nil, c.notFound(ctx, "group", filter, err)
	}
	for _, path := range paths {
		group, err := readGroup(ctx, conn, path, false)
		if err != nil {
			return nil, c.notFound(ctx, "group", filter, err)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func (c *Client) findUser(ctx context.Context, key, method string, arg any, expand bool) (user *identity.User, err error) {
	defer func() { c.metrics.Observe("user", err) }()

	conn, err := c.connect(ctx, "user", key)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var path dbus.ObjectPath
	if err := call(ctx, conn, usersPath, usersIface+"."+method, arg).Store(&path); err != nil {
		return nil, c.notFound(ctx, "user", key, err)
	}

	user, err = readUser(ctx, conn, path)
	if err != nil {
		return nil, c.notFound(ctx, "user", key, err)
	}

	if expand {
		names, err := userGroups(ctx, conn, user.Name)
		if err != nil {
			return nil, c.notFound(ctx, "user", key, err)
		}
		user.Groups = names
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemSSSD, "User found", map[string]any{
		"key":  key,
		"name": user.Name,
		"uid":  user.ID,
	})
	return user, nil
}

func (c *Client) findGroup(ctx context.Context, key, method string, arg any, expand bool) (group *identity.Group, err error) {
	defer func() { c.metrics.Observe("group", err) }()

	conn, err := c.connect(ctx, "group", key)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var path dbus.ObjectPath
	if err := call(ctx, conn, groupsPath, groupsIface+"."+method, arg).Store(&path); err != nil {
		return nil, c.notFound(ctx, "group", key, err)
	}

	group, err = readGroup(ctx, conn, path, expand)
	if err != nil {
		return nil, c.notFound(ctx, "group", key, err)
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemSSSD, "Group found", map[string]any{
		"key":     key,
		"name":    group.Name,
		"members": len(group.Members),
	})
	return group, nil
}

func (c *Client) connect(ctx context.Context, kind, key string) (Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, c.notFound(ctx, kind, key, fmt.Errorf("unable to connect to system bus: %w", err))
	}
	return conn, nil
}

func (c *Client) notFound(ctx context.Context, kind, key string, cause error) error {
	tflog.SubsystemDebug(ctx, logging.SubsystemSSSD, "Lookup failed", map[string]any{
		"kind":  kind,
		"key":   key,
		"error": cause.Error(),
	})
	return &identity.NotFoundError{Kind: kind, Key: key}
}

func call(ctx context.Context, conn Conn, path dbus.ObjectPath, method string, args ...any) *dbus.Call {
	return conn.Object(BusName, path).CallWithContext(ctx, method, 0, args...)
}

func property(ctx context.Context, conn Conn, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	if err := call(ctx, conn, path, propertiesGet, iface, name).Store(&v); err != nil {
		return v, fmt.Errorf("unable to read %s.%s: %w", iface, name, err)
	}
	return v, nil
}

func stringProperty(ctx context.Context, conn Conn, path dbus.ObjectPath, iface, name string) (string, error) {
	v, err := property(ctx, conn, path, iface, name)
	if err != nil {
		return "", err
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected type %s for %s", v.Signature(), name)
	}
	return s, nil
}

func uint32Property(ctx context.Context, conn Conn, path dbus.ObjectPath, iface, name string) (uint32, error) {
	v, err := property(ctx, conn, path, iface, name)
	if err != nil {
		return 0, err
	}
	n, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("unexpected type %s for %s", v.Signature(), name)
	}
	return n, nil
}

func readUser(ctx context.Context, conn Conn, path dbus.ObjectPath) (*identity.User, error) {
	name, err := stringProperty(ctx, conn, path, userIface, "name")
	if err != nil {
		return nil, err
	}
	uid, err := uint32Property(ctx, conn, path, userIface, "uidNumber")
	if err != nil {
		return nil, err
	}

	v, err := property(ctx, conn, path, userIface, "extraAttributes")
	if err != nil {
		return nil, err
	}
	extra, _ := v.Value().(map[string][]string)

	user := &identity.User{
		ID:         uid,
		Name:       name,
		GivenName:  first(extra["givenname"]),
		FamilyName: first(extra["sn"]),
		Mail:       extra["mail"],
		Active:     !identity.IsLocked(first(extra["lock"])),
	}
	return user, nil
}

func readGroup(ctx context.Context, conn Conn, path dbus.ObjectPath, expand bool) (*identity.Group, error) {
	name, err := stringProperty(ctx, conn, path, groupIface, "name")
	if err != nil {
		return nil, err
	}
	gid, err := uint32Property(ctx, conn, path, groupIface, "gidNumber")
	if err != nil {
		return nil, err
	}

	group := &identity.Group{ID: gid, Name: name}
	if !expand {
		return group, nil
	}

	if err := call(ctx, conn, path, groupIface+".UpdateMemberList").Err; err != nil {
		return nil, fmt.Errorf("unable to update member list of %s: %w", name, err)
	}

	v, err := property(ctx, conn, path, groupIface, "users")
	if err != nil {
		return nil, err
	}
	members, _ := v.Value().([]dbus.ObjectPath)
	for _, member := range members {
		memberName, err := stringProperty(ctx, conn, member, userIface, "name")
		if err != nil {
			return nil, err
		}
		group.Members = append(group.Members, memberName)
	}
	return group, nil
}

func userGroups(ctx context.Context, conn Conn, name string) ([]string, error) {
	var groups []string
	if err := call(ctx, conn, infopipePath, infopipeIface+".GetUserGroups", name).Store(&groups); err != nil {
		return nil, fmt.Errorf("unable to list groups of %s: %w", name, err)
	}
	return groups, nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
