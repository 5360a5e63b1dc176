package kerberos

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	krb5client "github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ipa-tuura/internal/identity"
)

const testKrb5Conf = `[libdefaults]
    default_realm = IPA.TEST
    dns_lookup_realm = false
    dns_lookup_kdc = false
    ticket_lifetime = 1h

[realms]
    IPA.TEST = {
        kdc = 127.0.0.1:1
    }
`

func writeKrb5Conf(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "krb5.conf")
	require.NoError(t, os.WriteFile(path, []byte(testKrb5Conf), 0o644))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvCCache, "")
	t.Setenv(EnvKeytab, "")
}

func TestOptions_Split(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		wantName  string
		wantRealm string
		wantFull  string
	}{
		{"user with realm", Options{Principal: "admin@IPA.TEST"}, "admin", "IPA.TEST", "admin@IPA.TEST"},
		{"service principal", Options{Principal: "ipatuura/host.ipa.test@IPA.TEST"}, "ipatuura/host.ipa.test", "IPA.TEST", "ipatuura/host.ipa.test@IPA.TEST"},
		{"realm option upper-cased", Options{Principal: "admin", Realm: "ipa.test"}, "admin", "IPA.TEST", "admin@IPA.TEST"},
		{"no realm", Options{Principal: "admin"}, "admin", "", "admin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, realm := tt.opts.split()
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantRealm, realm)
			assert.Equal(t, tt.wantFull, tt.opts.fullPrincipal())
		})
	}
}

func TestCCachePath(t *testing.T) {
	clearEnv(t)
	assert.Empty(t, ccachePath(Options{}))

	t.Setenv(EnvCCache, "FILE:/tmp/krb5cc_test")
	assert.Equal(t, "/tmp/krb5cc_test", ccachePath(Options{}))
	assert.Equal(t, "/run/cc", ccachePath(Options{CCache: "/run/cc"}))

	t.Setenv(EnvKeytab, "FILE:/etc/ipatuura.keytab")
	assert.Equal(t, "/etc/ipatuura.keytab", keytabPath(Options{}))
	assert.Equal(t, "/other.keytab", keytabPath(Options{Keytab: "/other.keytab"}))
}

func TestAcquire_MissingKrb5Conf(t *testing.T) {
	clearEnv(t)

	_, err := NewCache().Acquire(t.Context(), Options{
		Krb5Conf:  "/nonexistent/krb5.conf",
		Principal: "admin@IPA.TEST",
		Password:  "Secret123",
	})

	var credErr *identity.CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "admin@IPA.TEST", credErr.Principal)
	assert.Contains(t, err.Error(), "kerberos configuration file not found at /nonexistent/krb5.conf")
}

func TestAcquire_NoCredentials(t *testing.T) {
	clearEnv(t)

	_, err := NewCache().Acquire(t.Context(), Options{
		Krb5Conf:  writeKrb5Conf(t),
		Principal: "admin@IPA.TEST",
		Keytab:    filepath.Join(t.TempDir(), "missing.keytab"),
	})

	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.ErrorIs(t, err, identity.ErrCredential)
}

func TestAcquire_InvalidCCacheFallsThrough(t *testing.T) {
	clearEnv(t)

	bogus := filepath.Join(t.TempDir(), "ccache")
	require.NoError(t, os.WriteFile(bogus, []byte("not a ccache"), 0o600))

	_, err := NewCache().Acquire(t.Context(), Options{
		Krb5Conf:  writeKrb5Conf(t),
		Principal: "admin@IPA.TEST",
		CCache:    "FILE:" + bogus,
	})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestCache_ReusesValidClient(t *testing.T) {
	clearEnv(t)

	now := time.Now()
	cache := NewCache()
	cache.now = func() time.Time { return now }

	cl := krb5client.NewWithPassword("admin", "IPA.TEST", "unused", config.New())
	cache.store(cl, "admin@IPA.TEST", "password", now.Add(time.Hour))

	assert.True(t, cache.Valid("admin@IPA.TEST"))
	assert.True(t, cache.Valid("ADMIN@ipa.test"))
	assert.False(t, cache.Valid("other@IPA.TEST"))

	got, err := cache.Acquire(t.Context(), Options{
		Krb5Conf:  writeKrb5Conf(t),
		Principal: "admin@IPA.TEST",
	})
	require.NoError(t, err)
	assert.Same(t, cl, got)

	now = now.Add(2 * time.Hour)
	assert.False(t, cache.Valid("admin@IPA.TEST"))

	_, err = cache.Acquire(t.Context(), Options{
		Krb5Conf:  writeKrb5Conf(t),
		Principal: "admin@IPA.TEST",
	})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestCache_Reset(t *testing.T) {
	cache := NewCache()
	cl := krb5client.NewWithPassword("admin", "IPA.TEST", "unused", config.New())
	cache.store(cl, "admin@IPA.TEST", "password", time.Now().Add(time.Hour))

	cache.Reset()
	assert.False(t, cache.Valid("admin@IPA.TEST"))
}

func writeBogus(t *testing.T, name string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("not kerberos data"), 0o600))
	return path
}

func TestAcquire_KeytabFailureFallsThrough(t *testing.T) {
	tests := []struct {
		name    string
		cached  bool
		wantErr string
	}{
		{"reuses cached client", true, ""},
		{"reports keytab error", false, "failed to load keytab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)

			cache := NewCache()
			cl := krb5client.NewWithPassword("admin", "IPA.TEST", "unused", config.New())
			if tt.cached {
				cache.store(cl, "admin@IPA.TEST", "password", time.Now().Add(time.Hour))
			}

			got, err := cache.Acquire(t.Context(), Options{
				Krb5Conf:  writeKrb5Conf(t),
				Principal: "admin@IPA.TEST",
				Keytab:    writeBogus(t, "service.keytab"),
			})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, identity.ErrCredential)
				assert.NotErrorIs(t, err, ErrNoCredentials)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Same(t, cl, got)
		})
	}
}

func TestAcquire_ReusesCCacheClient(t *testing.T) {
	clearEnv(t)

	path := writeBogus(t, "ccache")
	cache := NewCache()
	cl := krb5client.NewWithPassword("admin", "IPA.TEST", "unused", config.New())
	cache.store(cl, "admin@IPA.TEST", "ccache:"+path, time.Now().Add(time.Hour))

	for range 2 {
		got, err := cache.Acquire(t.Context(), Options{
			Krb5Conf: writeKrb5Conf(t),
			CCache:   "FILE:" + path,
		})
		require.NoError(t, err)
		assert.Same(t, cl, got)
	}
}

func TestCache_ReplacedClientsSurviveUntilExpiry(t *testing.T) {
	now := time.Now()
	cache := NewCache()
	cache.now = func() time.Time { return now }

	cl1 := krb5client.NewWithPassword("admin", "IPA.TEST", "unused", config.New())
	cl2 := krb5client.NewWithPassword("admin", "IPA.TEST", "unused", config.New())
	cl3 := krb5client.NewWithPassword("admin", "IPA.TEST", "unused", config.New())

	cache.store(cl1, "admin@IPA.TEST", "password", now.Add(time.Hour))
	cache.store(cl2, "admin@IPA.TEST", "password", now.Add(3*time.Hour))
	assert.Equal(t, "admin", cl1.Credentials.UserName())

	cache.Reset()
	assert.Equal(t, "admin", cl2.Credentials.UserName())

	now = now.Add(2 * time.Hour)
	cache.store(cl3, "admin@IPA.TEST", "password", now.Add(time.Hour))
	assert.Empty(t, cl1.Credentials.UserName())
	assert.Equal(t, "admin", cl2.Credentials.UserName())
	assert.Equal(t, "admin", cl3.Credentials.UserName())
	assert.Len(t, cache.retired, 1)
}

func TestTicketLifetime(t *testing.T) {
	cfg, err := config.NewFromString(testKrb5Conf)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ticketLifetime(cfg))

	cfg.LibDefaults.TicketLifetime = 0
	assert.Equal(t, defaultTicketLifetime, ticketLifetime(cfg))
}
