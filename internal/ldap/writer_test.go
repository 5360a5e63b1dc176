package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ipa-tuura/internal/domain"
	"github.com/isometry/ipa-tuura/internal/identity"
)

// MockConn implements Conn for testing Writer.
type MockConn struct {
	mock.Mock
}

func (m *MockConn) Bind(username, password string) error {
	args := m.Called(username, password)
	return args.Error(0)
}

func (m *MockConn) Add(req *ldap.AddRequest) error {
	args := m.Called(req)
	return args.Error(0)
}

func (m *MockConn) Modify(req *ldap.ModifyRequest) error {
	args := m.Called(req)
	return args.Error(0)
}

func (m *MockConn) Del(req *ldap.DelRequest) error {
	args := m.Called(req)
	return args.Error(0)
}

func (m *MockConn) Close() error {
	args := m.Called()
	return args.Error(0)
}

func testConfig(provider string) Config {
	cfg := Config{
		Provider:      provider,
		URL:           "ldap://ldap.test",
		BindDN:        "cn=Directory Manager",
		BindPassword:  "Secret123",
		UsersDN:       "ou=people,dc=ldap,dc=test",
		RDNAttr:       RDNUID,
		ObjectClasses: []string{"inetOrgPerson", "organizationalPerson", "person", "top"},
	}
	if provider == "ad" {
		cfg.UsersDN = "cn=Users,dc=ad,dc=test"
		cfg.RDNAttr = RDNCN
		cfg.ObjectClasses = []string{"user", "organizationalPerson", "person", "top"}
	}
	return cfg
}

func newTestWriter(t *testing.T, cfg Config, conn *MockConn) (*Writer, *string) {
	t.Helper()
	var dialed string
	w, err := NewWriter(cfg, func(ctx context.Context, url string, tlsConfig *tls.Config) (Conn, error) {
		dialed = url
		return conn, nil
	})
	require.NoError(t, err)
	return w, &dialed
}

func attrValues(req *ldap.AddRequest, name string) []string {
	for _, attr := range req.Attributes {
		if attr.Type == name {
			return attr.Vals
		}
	}
	return nil
}

func testUser() *identity.User {
	return &identity.User{
		Name:       "jdoe",
		GivenName:  "John",
		FamilyName: "Doe",
		Mail:       []string{"jdoe@ldap.test", "john@ldap.test"},
		Password:   "Passw0rd",
	}
}

func TestWriterAdd(t *testing.T) {
	tests := []struct {
		name      string
		provider  string
		wantDN    string
		wantUID   []string
		wantClass []string
	}{
		{
			name:      "ldap names entries by uid",
			provider:  "ldap",
			wantDN:    "uid=jdoe,ou=people,dc=ldap,dc=test",
			wantUID:   []string{"jdoe"},
			wantClass: []string{"inetOrgPerson", "organizationalPerson", "person", "top"},
		},
		{
			name:      "ad names entries by cn",
			provider:  "ad",
			wantDN:    "cn=jdoe,cn=Users,dc=ad,dc=test",
			wantUID:   nil,
			wantClass: []string{"user", "organizationalPerson", "person", "top"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := new(MockConn)
			cfg := testConfig(tt.provider)
			conn.On("Bind", cfg.BindDN, cfg.BindPassword).Return(nil)
			conn.On("Close").Return(nil)

			var captured *ldap.AddRequest
			conn.On("Add", mock.AnythingOfType("*ldap.AddRequest")).
				Run(func(args mock.Arguments) { captured = args.Get(0).(*ldap.AddRequest) }).
				Return(nil)

			w, dialed := newTestWriter(t, cfg, conn)
			require.NoError(t, w.Add(context.Background(), testUser()))

			assert.Equal(t, "ldap://ldap.test", *dialed)
			require.NotNil(t, captured)
			assert.Equal(t, tt.wantDN, captured.DN)
			assert.Equal(t, tt.wantClass, attrValues(captured, "objectClass"))
			assert.Equal(t, []string{"jdoe"}, attrValues(captured, "cn"))
			assert.Equal(t, []string{"Doe"}, attrValues(captured, "sn"))
			assert.Equal(t, []string{"John"}, attrValues(captured, "givenName"))
			assert.Equal(t, []string{"jdoe@ldap.test"}, attrValues(captured, "mail"))
			assert.Equal(t, []string{"Passw0rd"}, attrValues(captured, "userPassword"))
			assert.Equal(t, tt.wantUID, attrValues(captured, "uid"))
			conn.AssertExpectations(t)
		})
	}
}

func TestWriterAdd_OmitsEmptyAttributes(t *testing.T) {
	conn := new(MockConn)
	conn.On("Bind", mock.Anything, mock.Anything).Return(nil)
	conn.On("Close").Return(nil)

	var captured *ldap.AddRequest
	conn.On("Add", mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(0).(*ldap.AddRequest) }).
		Return(nil)

	w, _ := newTestWriter(t, testConfig("ldap"), conn)
	require.NoError(t, w.Add(context.Background(), &identity.User{Name: "bare", FamilyName: "Bare"}))

	assert.Nil(t, attrValues(captured, "mail"))
	assert.Nil(t, attrValues(captured, "givenName"))
	assert.Nil(t, attrValues(captured, "userPassword"))
}

func TestWriterAdd_BindFailureIsNotFatal(t *testing.T) {
	conn := new(MockConn)
	conn.On("Bind", mock.Anything, mock.Anything).
		Return(ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials")))
	conn.On("Close").Return(nil)
	conn.On("Add", mock.Anything).
		Return(ldap.NewError(ldap.LDAPResultInsufficientAccessRights, errors.New("anonymous add")))

	w, _ := newTestWriter(t, testConfig("ldap"), conn)
	err := w.Add(context.Background(), testUser())
	require.Error(t, err)

	var ldapErr *LDAPError
	require.ErrorAs(t, err, &ldapErr)
	assert.Equal(t, "add", ldapErr.Operation)
	assert.Equal(t, ErrorCategoryPermission, ldapErr.Category)
	conn.AssertCalled(t, "Add", mock.Anything)
}

func TestWriterAdd_EntryExists(t *testing.T) {
	conn := new(MockConn)
	conn.On("Bind", mock.Anything, mock.Anything).Return(nil)
	conn.On("Close").Return(nil)
	conn.On("Add", mock.Anything).
		Return(ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("already exists")))

	w, _ := newTestWriter(t, testConfig("ldap"), conn)
	err := w.Add(context.Background(), testUser())
	assert.True(t, IsConflictError(err))
}

func TestWriterModify(t *testing.T) {
	t.Run("replaces attributes", func(t *testing.T) {
		conn := new(MockConn)
		conn.On("Bind", mock.Anything, mock.Anything).Return(nil)
		conn.On("Close").Return(nil)

		var captured *ldap.ModifyRequest
		conn.On("Modify", mock.Anything).
			Run(func(args mock.Arguments) { captured = args.Get(0).(*ldap.ModifyRequest) }).
			Return(nil)

		w, _ := newTestWriter(t, testConfig("ldap"), conn)
		require.NoError(t, w.Modify(context.Background(), testUser()))

		require.NotNil(t, captured)
		assert.Equal(t, "uid=jdoe,ou=people,dc=ldap,dc=test", captured.DN)
		require.Len(t, captured.Changes, 3)

		got := map[string][]string{}
		for _, change := range captured.Changes {
			assert.Equal(t, uint(ldap.ReplaceAttribute), change.Operation)
			got[change.Modification.Type] = change.Modification.Vals
		}
		assert.Equal(t, map[string][]string{
			"sn":        {"Doe"},
			"givenName": {"John"},
			"mail":      {"jdoe@ldap.test"},
		}, got)
	})

	t.Run("values already present", func(t *testing.T) {
		conn := new(MockConn)
		conn.On("Bind", mock.Anything, mock.Anything).Return(nil)
		conn.On("Close").Return(nil)
		conn.On("Modify", mock.Anything).
			Return(ldap.NewError(ldap.LDAPResultAttributeOrValueExists, errors.New("exists")))

		w, _ := newTestWriter(t, testConfig("ldap"), conn)
		assert.NoError(t, w.Modify(context.Background(), testUser()))
	})

	t.Run("missing entry", func(t *testing.T) {
		conn := new(MockConn)
		conn.On("Bind", mock.Anything, mock.Anything).Return(nil)
		conn.On("Close").Return(nil)
		conn.On("Modify", mock.Anything).
			Return(ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object")))

		w, _ := newTestWriter(t, testConfig("ad"), conn)
		err := w.Modify(context.Background(), testUser())

		assert.ErrorIs(t, err, identity.ErrBackendNotFound)
		var notFound *identity.BackendNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "jdoe", notFound.User)
		assert.True(t, IsNotFoundError(err))
	})

	t.Run("other failure", func(t *testing.T) {
		conn := new(MockConn)
		conn.On("Bind", mock.Anything, mock.Anything).Return(nil)
		conn.On("Close").Return(nil)
		conn.On("Modify", mock.Anything).
			Return(ldap.NewError(ldap.LDAPResultUnwillingToPerform, errors.New("no")))

		w, _ := newTestWriter(t, testConfig("ldap"), conn)
		err := w.Modify(context.Background(), testUser())
		require.Error(t, err)
		assert.NotErrorIs(t, err, identity.ErrBackendNotFound)
		assert.Equal(t, ErrorCategoryPermission, GetErrorCategory(err))
	})
}

func TestWriterDelete(t *testing.T) {
	t.Run("deletes entry", func(t *testing.T) {
		conn := new(MockConn)
		conn.On("Bind", mock.Anything, mock.Anything).Return(nil)
		conn.On("Close").Return(nil)
		conn.On("Del", mock.MatchedBy(func(req *ldap.DelRequest) bool {
			return req.DN == "cn=jdoe,cn=Users,dc=ad,dc=test"
		})).Return(nil)

		w, _ := newTestWriter(t, testConfig("ad"), conn)
		require.NoError(t, w.Delete(context.Background(), &identity.User{Name: "jdoe"}))
		conn.AssertExpectations(t)
	})

	t.Run("missing entry", func(t *testing.T) {
		conn := new(MockConn)
		conn.On("Bind", mock.Anything, mock.Anything).Return(nil)
		conn.On("Close").Return(nil)
		conn.On("Del", mock.Anything).
			Return(ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object")))

		w, _ := newTestWriter(t, testConfig("ldap"), conn)
		err := w.Delete(context.Background(), &identity.User{Name: "ghost"})
		assert.ErrorIs(t, err, identity.ErrBackendNotFound)
	})
}

func TestWriter_DialFailure(t *testing.T) {
	w, err := NewWriter(testConfig("ldap"), func(ctx context.Context, url string, tlsConfig *tls.Config) (Conn, error) {
		return nil, errors.New("connection refused")
	})
	require.NoError(t, err)

	err = w.Delete(context.Background(), &identity.User{Name: "jdoe"})
	require.Error(t, err)

	var ldapErr *LDAPError
	require.ErrorAs(t, err, &ldapErr)
	assert.Equal(t, "delete", ldapErr.Operation)
	assert.Equal(t, ErrorCategoryConnection, ldapErr.Category)
	assert.Equal(t, "uid=jdoe,ou=people,dc=ldap,dc=test", ldapErr.DN)
}

func TestWriter_EscapesNames(t *testing.T) {
	w, _ := newTestWriter(t, testConfig("ldap"), new(MockConn))
	assert.Equal(t, "uid=Doe\\, John,ou=people,dc=ldap,dc=test", w.DN("Doe, John"))
}

func TestNewWriter_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing url",
			mutate:  func(c *Config) { c.URL = "" },
			wantErr: "directory URL is required",
		},
		{
			name:    "missing users dn",
			mutate:  func(c *Config) { c.UsersDN = "" },
			wantErr: "users DN is required",
		},
		{
			name:    "invalid users dn",
			mutate:  func(c *Config) { c.UsersDN = "not a dn" },
			wantErr: "invalid users DN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("ldap")
			tt.mutate(&cfg)
			_, err := NewWriter(cfg, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("defaults rdn attribute", func(t *testing.T) {
		cfg := testConfig("ldap")
		cfg.RDNAttr = ""
		w, err := NewWriter(cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, "uid=jdoe,ou=people,dc=ldap,dc=test", w.DN("jdoe"))
		assert.Equal(t, "ldap", w.Provider())
	})
}

func TestNewTLSConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("server name from url", func(t *testing.T) {
		cfg := testConfig("ldap")
		cfg.URL = "ldaps://ldap.test:636"
		tlsConfig, err := newTLSConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, "ldap.test", tlsConfig.ServerName)
		assert.Equal(t, uint16(tls.VersionTLS12), tlsConfig.MinVersion)
		assert.Nil(t, tlsConfig.RootCAs)
	})

	t.Run("missing bundle uses system roots", func(t *testing.T) {
		cfg := testConfig("ldap")
		cfg.TLSCACert = filepath.Join(dir, "absent.pem")
		tlsConfig, err := newTLSConfig(cfg)
		require.NoError(t, err)
		assert.Nil(t, tlsConfig.RootCAs)
	})

	t.Run("bundle without certificates", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

		cfg := testConfig("ldap")
		cfg.TLSCACert = path
		_, err := newTLSConfig(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no certificates found")
	})
}

func TestConfigFromRecord(t *testing.T) {
	rec := &domain.Record{
		Name:           "ad.test",
		IntegrationURL: "ldap://ad.test",
		ClientID:       "cn=Administrator,cn=Users,dc=ad,dc=test",
		ClientSecret:   "Secret123",
		Provider:       domain.ProviderAD,
		UsersDN:        "cn=Users,dc=ad,dc=test",
		TLSCACert:      "/etc/openldap/certs/cacert.pem",
	}
	require.NoError(t, rec.ApplyDefaults())

	cfg := ConfigFromRecord(rec)
	assert.Equal(t, "ad", cfg.Provider)
	assert.Equal(t, RDNCN, cfg.RDNAttr)
	assert.Equal(t, "ldap://ad.test", cfg.URL)
	assert.Equal(t, rec.ClientID, cfg.BindDN)
	assert.Equal(t, "Secret123", cfg.BindPassword)
	assert.Equal(t, []string{"user", "organizationalPerson", "person", "top"}, cfg.ObjectClasses)

	rec.Provider = domain.ProviderLDAP
	assert.Equal(t, RDNUID, ConfigFromRecord(rec).RDNAttr)
}
