package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ipa-tuura/internal/domain"
	"github.com/isometry/ipa-tuura/internal/encoder"
	"github.com/isometry/ipa-tuura/internal/identity"
	"github.com/isometry/ipa-tuura/internal/logging"
)

// Relative distinguished name attributes for user entries.
const (
	RDNUID = "uid"
	RDNCN  = "cn"
)

// DefaultTimeout bounds dialing and each request.
const DefaultTimeout = 30 * time.Second

// Conn is the subset of *ldap.Conn the writer uses.
type Conn interface {
	Bind(username, password string) error
	Add(*ldap.AddRequest) error
	Modify(*ldap.ModifyRequest) error
	Del(*ldap.DelRequest) error
	Close() error
}

// Dialer opens a directory connection.
type Dialer func(ctx context.Context, url string, tlsConfig *tls.Config) (Conn, error)

// DialURL connects with go-ldap. Connections speak LDAPv3 and never chase
// referrals.
func DialURL(ctx context.Context, rawURL string, tlsConfig *tls.Config) (Conn, error) {
	dialer := &net.Dialer{Timeout: DefaultTimeout}
	conn, err := ldap.DialURL(rawURL, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(tlsConfig))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rawURL, err)
	}
	conn.SetTimeout(DefaultTimeout)

	logging.LogConnectionEvent(ctx, "Connected", map[string]any{
		"url": rawURL,
	})
	return conn, nil
}

// Config describes the directory a Writer provisions users into.
type Config struct {
	Provider      string
	URL           string
	BindDN        string
	BindPassword  string
	UsersDN       string
	RDNAttr       string
	ObjectClasses []string
	TLSCACert     string
}

// ConfigFromRecord derives the writer configuration from the domain record.
// Active Directory entries are named by cn, everything else by uid.
func ConfigFromRecord(rec *domain.Record) Config {
	rdn := RDNUID
	if rec.Provider == domain.ProviderAD {
		rdn = RDNCN
	}
	return Config{
		Provider:      string(rec.Provider),
		URL:           rec.IntegrationURL,
		BindDN:        rec.ClientID,
		BindPassword:  rec.ClientSecret,
		UsersDN:       rec.UsersDN,
		RDNAttr:       rdn,
		ObjectClasses: rec.ObjectClasses(),
		TLSCACert:     rec.TLSCACert,
	}
}

// Writer creates, updates and deletes user entries with a fresh simple
// bind for every operation.
type Writer struct {
	cfg       Config
	dial      Dialer
	tlsConfig *tls.Config
}

// NewWriter validates cfg and returns a Writer. A nil dial uses DialURL.
func NewWriter(cfg Config, dial Dialer) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("directory URL is required")
	}
	if cfg.UsersDN == "" {
		return nil, fmt.Errorf("users DN is required")
	}
	if _, err := ldap.ParseDN(cfg.UsersDN); err != nil {
		return nil, fmt.Errorf("invalid users DN %q: %w", cfg.UsersDN, err)
	}
	if cfg.RDNAttr == "" {
		cfg.RDNAttr = RDNUID
	}
	if dial == nil {
		dial = DialURL
	}

	tlsConfig, err := newTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &Writer{cfg: cfg, dial: dial, tlsConfig: tlsConfig}, nil
}

// Provider returns the provider name the writer was configured for.
func (w *Writer) Provider() string {
	return w.cfg.Provider
}

// DN returns the entry DN for username.
func (w *Writer) DN(username string) string {
	return EntryDN(w.cfg.RDNAttr, username, w.cfg.UsersDN)
}

// Add creates the user entry.
func (w *Writer) Add(ctx context.Context, user *identity.User) error {
	dn := w.DN(user.Name)

	return logging.LogOperation(ctx, logging.SubsystemLDAP, "add_user", w.fields(dn), func() error {
		req := ldap.NewAddRequest(dn, nil)

		attrs := []attribute{
			{"objectClass", w.cfg.ObjectClasses},
			{"cn", user.Name},
			{"sn", user.FamilyName},
			{"givenName", user.GivenName},
			{"mail", user.PrimaryMail()},
		}
		if w.cfg.RDNAttr != RDNCN {
			attrs = append(attrs, attribute{w.cfg.RDNAttr, user.Name})
		}
		if user.Password != "" {
			attrs = append(attrs, attribute{"userPassword", user.Password})
		}

		for _, attr := range attrs {
			values, err := nonEmptyValues(attr.value)
			if err != nil {
				return fmt.Errorf("attribute %s: %w", attr.name, err)
			}
			if len(values) > 0 {
				req.Attribute(attr.name, values)
			}
		}

		conn, err := w.bind(ctx, "add", dn)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := conn.Add(req); err != nil {
			logging.LogLDAPError(ctx, "add", err, w.fields(dn))
			return NewLDAPError("add", dn, err)
		}
		return nil
	})
}

// Modify replaces the name and mail attributes of the user entry.
func (w *Writer) Modify(ctx context.Context, user *identity.User) error {
	dn := w.DN(user.Name)

	return logging.LogOperation(ctx, logging.SubsystemLDAP, "modify_user", w.fields(dn), func() error {
		req := ldap.NewModifyRequest(dn, nil)

		for _, attr := range []attribute{
			{"sn", user.FamilyName},
			{"givenName", user.GivenName},
			{"mail", user.PrimaryMail()},
		} {
			values, err := nonEmptyValues(attr.value)
			if err != nil {
				return fmt.Errorf("attribute %s: %w", attr.name, err)
			}
			req.Replace(attr.name, values)
		}

		conn, err := w.bind(ctx, "modify", dn)
		if err != nil {
			return err
		}
		defer conn.Close()

		err = conn.Modify(req)
		switch {
		case err == nil:
			return nil
		case ResultCode(err) == ldap.LDAPResultAttributeOrValueExists:
			tflog.SubsystemDebug(ctx, logging.SubsystemLDAP, "Values already present", w.fields(dn))
			return nil
		case ResultCode(err) == ldap.LDAPResultNoSuchObject:
			return &identity.BackendNotFoundError{User: user.Name, Err: NewLDAPError("modify", dn, err)}
		default:
			logging.LogLDAPError(ctx, "modify", err, w.fields(dn))
			return NewLDAPError("modify", dn, err)
		}
	})
}

// Delete removes the user entry.
func (w *Writer) Delete(ctx context.Context, user *identity.User) error {
	dn := w.DN(user.Name)

	return logging.LogOperation(ctx, logging.SubsystemLDAP, "delete_user", w.fields(dn), func() error {
		conn, err := w.bind(ctx, "delete", dn)
		if err != nil {
			return err
		}
		defer conn.Close()

		err = conn.Del(ldap.NewDelRequest(dn, nil))
		switch {
		case err == nil:
			return nil
		case ResultCode(err) == ldap.LDAPResultNoSuchObject:
			return &identity.BackendNotFoundError{User: user.Name, Err: NewLDAPError("delete", dn, err)}
		default:
			logging.LogLDAPError(ctx, "delete", err, w.fields(dn))
			return NewLDAPError("delete", dn, err)
		}
	})
}

// bind dials the directory and performs a simple bind. A rejected bind is
// logged and the connection returned anyway; the following request reports
// the server's verdict.
func (w *Writer) bind(ctx context.Context, operation, dn string) (Conn, error) {
	conn, err := w.dial(ctx, w.cfg.URL, w.tlsConfig)
	if err != nil {
		return nil, NewLDAPError(operation, dn, err)
	}

	fields := map[string]any{
		"url":     w.cfg.URL,
		"bind_dn": w.cfg.BindDN,
	}
	if err := conn.Bind(w.cfg.BindDN, w.cfg.BindPassword); err != nil {
		logging.LogLDAPError(ctx, "bind", err, fields)
		return conn, nil
	}

	logging.LogConnectionEvent(ctx, "Bound", fields)
	return conn, nil
}

func (w *Writer) fields(dn string) map[string]any {
	return map[string]any{
		"dn":       dn,
		"provider": w.cfg.Provider,
	}
}

type attribute struct {
	name  string
	value any
}

func nonEmptyValues(v any) ([]string, error) {
	values, err := encoder.Values(v)
	if err != nil {
		return nil, err
	}
	out := values[:0]
	for _, value := range values {
		if value != "" {
			out = append(out, value)
		}
	}
	return out, nil
}

// newTLSConfig trusts the configured CA bundle for ldaps:// URLs. A missing
// bundle falls back to the system roots.
func newTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if u, err := url.Parse(cfg.URL); err == nil {
		tlsConfig.ServerName = u.Hostname()
	}

	if cfg.TLSCACert == "" {
		return tlsConfig, nil
	}

	pem, err := os.ReadFile(cfg.TLSCACert)
	if errors.Is(err, fs.ErrNotExist) {
		return tlsConfig, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate %s: %w", cfg.TLSCACert, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCACert)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}
