// Package kerberos obtains Kerberos clients for talking to IPA servers.
//
// Credentials are taken, in order, from the credential cache named by
// KRB5CCNAME, from a keytab (explicit or KRB5_CLIENT_KTNAME), from a still
// valid client obtained earlier for the same principal, and finally from a
// password when one is supplied.
package kerberos

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	krb5client "github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/keytab"

	"github.com/isometry/ipa-tuura/internal/identity"
	"github.com/isometry/ipa-tuura/internal/logging"
)

// DefaultKrb5Conf is the system Kerberos configuration.
const DefaultKrb5Conf = "/etc/krb5.conf"

// Environment variables consulted for credentials.
const (
	EnvCCache = "KRB5CCNAME"
	EnvKeytab = "KRB5_CLIENT_KTNAME"
)

// ErrNoCredentials is returned when no credential source is usable.
var ErrNoCredentials = errors.New("no suitable credentials found")

const defaultTicketLifetime = 10 * time.Hour

// Options selects the principal and the credential sources.
type Options struct {
	Krb5Conf  string
	Principal string // user, service/host or either with @REALM
	Realm     string // used when Principal carries no realm
	CCache    string // overrides KRB5CCNAME
	Keytab    string // overrides KRB5_CLIENT_KTNAME
	Password  string
}

// split returns the principal name and realm.
func (o Options) split() (string, string) {
	if idx := strings.LastIndex(o.Principal, "@"); idx >= 0 {
		return o.Principal[:idx], o.Principal[idx+1:]
	}
	return o.Principal, strings.ToUpper(o.Realm)
}

func (o Options) fullPrincipal() string {
	name, realm := o.split()
	if realm == "" {
		return name
	}
	return name + "@" + realm
}

// Cache remembers the last client obtained so repeated calls avoid a new
// login while its tickets remain valid. Replaced clients may still be in use
// by callers, so they are only destroyed once their tickets have expired.
type Cache struct {
	mu        sync.Mutex
	client    *krb5client.Client
	principal string
	source    string
	expires   time.Time
	retired   []retiredClient
	now       func() time.Time
}

type retiredClient struct {
	client  *krb5client.Client
	expires time.Time
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{now: time.Now}
}

// Valid reports whether a client for principal is cached and unexpired.
func (c *Cache) Valid(principal string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validLocked(principal, "")
}

// Reset forgets the cached client. A forgotten client is destroyed after it
// expires.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retireLocked()
	c.client = nil
	c.principal = ""
	c.source = ""
	c.expires = time.Time{}
	c.sweepLocked()
}

func (c *Cache) validLocked(principal, source string) bool {
	if c.client == nil || !strings.EqualFold(c.principal, principal) {
		return false
	}
	if source != "" && c.source != source {
		return false
	}
	return c.now().Before(c.expires)
}

func (c *Cache) store(cl *krb5client.Client, principal, source string, expires time.Time) {
	if c.client != cl {
		c.retireLocked()
	}
	c.client = cl
	c.principal = principal
	c.source = source
	c.expires = expires
	c.sweepLocked()
}

func (c *Cache) retireLocked() {
	if c.client != nil {
		c.retired = append(c.retired, retiredClient{client: c.client, expires: c.expires})
	}
}

// sweepLocked destroys retired clients whose tickets have expired.
func (c *Cache) sweepLocked() {
	now := c.now()
	kept := c.retired[:0]
	for _, r := range c.retired {
		if now.Before(r.expires) {
			kept = append(kept, r)
			continue
		}
		r.client.Destroy()
	}
	clear(c.retired[len(kept):])
	c.retired = kept
}

// Acquire returns a logged-in client for opts.
func (c *Cache) Acquire(ctx context.Context, opts Options) (*krb5client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	principal := opts.fullPrincipal()

	krb5conf, err := loadConfig(opts.Krb5Conf)
	if err != nil {
		return nil, &identity.CredentialError{Principal: principal, Err: err}
	}

	// Priority 1: credential cache
	if path := ccachePath(opts); fileExists(path) {
		source := "ccache:" + path
		if c.validLocked(c.principal, source) {
			return c.client, nil
		}

		cl, owner, expires, err := fromCCache(path, krb5conf)
		if err == nil {
			logging.LogKerberosEvent(ctx, "Using credential cache", map[string]any{
				"ccache":    path,
				"principal": owner,
				"expires":   expires,
			})
			c.store(cl, owner, source, expires)
			return cl, nil
		}
		logging.LogKerberosEvent(ctx, "Credential cache unusable", map[string]any{
			"ccache": path,
			"error":  err.Error(),
		})
	}

	var failed []error

	// Priority 2: keytab
	if path := keytabPath(opts); fileExists(path) && opts.Principal != "" {
		source := "keytab:" + path
		if c.validLocked(principal, source) {
			return c.client, nil
		}

		cl, err := fromKeytab(opts, path, krb5conf)
		if err == nil {
			logging.LogKerberosEvent(ctx, "Logged in with keytab", map[string]any{
				"keytab":    path,
				"principal": principal,
			})
			c.store(cl, principal, source, c.now().Add(ticketLifetime(krb5conf)))
			return cl, nil
		}
		logging.LogKerberosEvent(ctx, "Keytab login failed", map[string]any{
			"keytab":    path,
			"principal": principal,
			"error":     err.Error(),
		})
		failed = append(failed, err)
	}

	// Priority 3: earlier client for the same principal
	if principal != "" && c.validLocked(principal, "") {
		logging.LogKerberosEvent(ctx, "Reusing cached client", map[string]any{
			"principal": principal,
			"expires":   c.expires,
		})
		return c.client, nil
	}

	// Priority 4: password
	if opts.Password != "" && opts.Principal != "" {
		cl, err := fromPassword(opts, krb5conf)
		if err == nil {
			logging.LogKerberosEvent(ctx, "Logged in with password", map[string]any{
				"principal": principal,
			})
			c.store(cl, principal, "password", c.now().Add(ticketLifetime(krb5conf)))
			return cl, nil
		}
		failed = append(failed, err)
	}

	if len(failed) > 0 {
		return nil, &identity.CredentialError{Principal: principal, Err: errors.Join(failed...)}
	}
	return nil, &identity.CredentialError{Principal: principal, Err: ErrNoCredentials}
}

// PasswordLogin authenticates principal with a password without touching
// any cache.
func PasswordLogin(ctx context.Context, opts Options) (*krb5client.Client, error) {
	principal := opts.fullPrincipal()

	krb5conf, err := loadConfig(opts.Krb5Conf)
	if err != nil {
		return nil, &identity.CredentialError{Principal: principal, Err: err}
	}
	cl, err := fromPassword(opts, krb5conf)
	if err != nil {
		return nil, &identity.CredentialError{Principal: principal, Err: err}
	}
	logging.LogKerberosEvent(ctx, "Logged in with password", map[string]any{
		"principal": principal,
	})
	return cl, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = DefaultKrb5Conf
	}
	if !fileExists(path) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("invalid kerberos configuration %s: %w", path, err)
	}
	return cfg, nil
}

func fromCCache(path string, krb5conf *config.Config) (*krb5client.Client, string, time.Time, error) {
	cc, err := credentials.LoadCCache(path)
	if err != nil {
		return nil, "", time.Time{}, fmt.Errorf("failed to load credential cache: %w", err)
	}

	var expires time.Time
	for _, cred := range cc.GetEntries() {
		if cred.EndTime.After(expires) {
			expires = cred.EndTime
		}
	}
	if !time.Now().Before(expires) {
		return nil, "", time.Time{}, fmt.Errorf("credential cache %s has expired", path)
	}

	cl, err := krb5client.NewFromCCache(cc, krb5conf, krb5client.DisablePAFXFAST(true))
	if err != nil {
		return nil, "", time.Time{}, fmt.Errorf("failed to create client from credential cache: %w", err)
	}

	owner := cc.GetClientPrincipalName().PrincipalNameString() + "@" + cc.GetClientRealm()
	return cl, owner, expires, nil
}

func fromKeytab(opts Options, path string, krb5conf *config.Config) (*krb5client.Client, error) {
	name, realm := opts.split()
	if realm == "" {
		realm = krb5conf.LibDefaults.DefaultRealm
	}

	kt, err := keytab.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keytab %s: %w", path, err)
	}

	cl := krb5client.NewWithKeytab(name, realm, kt, krb5conf, krb5client.DisablePAFXFAST(true))
	if err := cl.Login(); err != nil {
		return nil, fmt.Errorf("keytab login failed: %w", err)
	}
	return cl, nil
}

func fromPassword(opts Options, krb5conf *config.Config) (*krb5client.Client, error) {
	name, realm := opts.split()
	if realm == "" {
		realm = krb5conf.LibDefaults.DefaultRealm
	}

	cl := krb5client.NewWithPassword(name, realm, opts.Password, krb5conf, krb5client.DisablePAFXFAST(true))
	if err := cl.Login(); err != nil {
		return nil, fmt.Errorf("password login failed: %w", err)
	}
	return cl, nil
}

func ticketLifetime(krb5conf *config.Config) time.Duration {
	if krb5conf.LibDefaults.TicketLifetime > 0 {
		return krb5conf.LibDefaults.TicketLifetime
	}
	return defaultTicketLifetime
}

// ccachePath resolves the credential cache file, stripping the FILE: prefix.
func ccachePath(opts Options) string {
	path := opts.CCache
	if path == "" {
		path = os.Getenv(EnvCCache)
	}
	return strings.TrimPrefix(path, "FILE:")
}

// keytabPath resolves the keytab file, stripping the FILE: prefix.
func keytabPath(opts Options) string {
	path := opts.Keytab
	if path == "" {
		path = os.Getenv(EnvKeytab)
	}
	return strings.TrimPrefix(path, "FILE:")
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
