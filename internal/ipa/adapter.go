package ipa

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5client "github.com/jcmturner/gokrb5/v8/client"

	"github.com/isometry/ipa-tuura/internal/identity"
	"github.com/isometry/ipa-tuura/internal/kerberos"
	"github.com/isometry/ipa-tuura/internal/logging"
)

// ErrClientNotConfigured is returned when the host has not been enrolled
// with ipa-client-install.
var ErrClientNotConfigured = errors.New("IPA client is not configured on this system")

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	DefaultConf string
	CACert      string
	APIVersion  string

	// Kerberos identifies the principal the adapter acts as, normally the
	// domain's client_id, and where its credentials live.
	Kerberos kerberos.Options

	// Credentials and Connect replace credential acquisition and client
	// construction. Both default to the Kerberos implementations.
	Credentials func(ctx context.Context) (*krb5client.Client, error)
	Connect     func(ctx context.Context, krb *krb5client.Client) (*Client, error)
}

// Adapter provisions users through the IPA API of the enrolled host.
type Adapter struct {
	host        *HostConfig
	credentials func(ctx context.Context) (*krb5client.Client, error)
	connect     func(ctx context.Context, krb *krb5client.Client) (*Client, error)
}

// NewAdapter fails with ErrClientNotConfigured unless the host is enrolled.
func NewAdapter(cfg AdapterConfig, cache *kerberos.Cache) (*Adapter, error) {
	host, err := LoadHostConfig(cfg.DefaultConf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientNotConfigured, err)
	}
	if cfg.Kerberos.Realm == "" {
		cfg.Kerberos.Realm = host.Realm
	}

	a := &Adapter{
		host:        host,
		credentials: cfg.Credentials,
		connect:     cfg.Connect,
	}

	if a.credentials == nil {
		if cache == nil {
			cache = kerberos.NewCache()
		}
		opts := cfg.Kerberos
		a.credentials = func(ctx context.Context) (*krb5client.Client, error) {
			return cache.Acquire(ctx, opts)
		}
	}

	if a.connect == nil {
		tlsConfig, err := host.TLSConfig(cfg.CACert)
		if err != nil {
			return nil, err
		}
		version := cfg.APIVersion
		a.connect = func(_ context.Context, krb *krb5client.Client) (*Client, error) {
			return NewKerberosClient(host.Server, krb, tlsConfig, WithAPIVersion(version)), nil
		}
	}

	return a, nil
}

// Provider returns "ipa".
func (a *Adapter) Provider() string {
	return "ipa"
}

// Host returns the enrolled host configuration.
func (a *Adapter) Host() *HostConfig {
	return a.host
}

func (a *Adapter) client(ctx context.Context) (*Client, error) {
	krb, err := a.credentials(ctx)
	if err != nil {
		return nil, err
	}
	return a.connect(ctx, krb)
}

// Add creates the user with uid, givenname, sn, mail and, when set, the
// initial password.
func (a *Adapter) Add(ctx context.Context, user *identity.User) error {
	return logging.LogOperation(ctx, logging.SubsystemIPA, "user_add", a.fields(user), func() error {
		c, err := a.client(ctx)
		if err != nil {
			return err
		}

		attrs := map[string]any{
			"givenname": user.GivenName,
			"sn":        user.FamilyName,
		}
		if mail := user.PrimaryMail(); mail != "" {
			attrs["mail"] = mail
		}
		if user.Password != "" {
			attrs["userpassword"] = user.Password
		}
		return c.UserAdd(ctx, user.Name, attrs)
	})
}

// Modify updates givenname, sn and mail. A request that changes nothing
// succeeds.
func (a *Adapter) Modify(ctx context.Context, user *identity.User) error {
	return logging.LogOperation(ctx, logging.SubsystemIPA, "user_mod", a.fields(user), func() error {
		c, err := a.client(ctx)
		if err != nil {
			return err
		}

		err = c.UserMod(ctx, user.Name, map[string]any{
			"givenname": user.GivenName,
			"sn":        user.FamilyName,
			"mail":      user.PrimaryMail(),
		})
		switch {
		case err == nil:
			return nil
		case IsEmptyModlist(err):
			tflog.SubsystemDebug(ctx, logging.SubsystemIPA, "No modification for user", a.fields(user))
			return nil
		case IsNotFound(err):
			return &identity.BackendNotFoundError{User: user.Name, Err: err}
		default:
			return err
		}
	})
}

// Delete removes the user.
func (a *Adapter) Delete(ctx context.Context, user *identity.User) error {
	return logging.LogOperation(ctx, logging.SubsystemIPA, "user_del", a.fields(user), func() error {
		c, err := a.client(ctx)
		if err != nil {
			return err
		}

		err = c.UserDel(ctx, user.Name)
		if IsNotFound(err) {
			return &identity.BackendNotFoundError{User: user.Name, Err: err}
		}
		return err
	})
}

func (a *Adapter) fields(user *identity.User) map[string]any {
	return map[string]any{
		"uid":    user.Name,
		"server": a.host.Server,
	}
}
