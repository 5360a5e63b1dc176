// Package backend selects and builds the writer that provisions users into
// the active integration domain.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/isometry/ipa-tuura/internal/domain"
	"github.com/isometry/ipa-tuura/internal/identity"
	"github.com/isometry/ipa-tuura/internal/ipa"
	"github.com/isometry/ipa-tuura/internal/kerberos"
	"github.com/isometry/ipa-tuura/internal/ldap"
)

// Kind identifies a backend implementation.
type Kind string

const (
	KindIPA  Kind = "ipa"
	KindLDAP Kind = "ldap"
	KindAD   Kind = "ad"
)

// ParseKind maps a provider name to its Kind, ignoring case.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindIPA, KindLDAP, KindAD:
		return k, nil
	default:
		return "", fmt.Errorf("unknown identity provider %q", s)
	}
}

// Writer creates, updates and deletes users in a backend.
type Writer interface {
	Add(ctx context.Context, user *identity.User) error
	Modify(ctx context.Context, user *identity.User) error
	Delete(ctx context.Context, user *identity.User) error
}

// Constructor builds the Writer for a domain record.
type Constructor func(ctx context.Context, rec *domain.Record) (Writer, error)

// Factory maps each Kind to its Constructor.
type Factory map[Kind]Constructor

// Build looks up the constructor for rec's provider and runs it.
func (f Factory) Build(ctx context.Context, rec *domain.Record) (Writer, error) {
	kind, err := ParseKind(string(rec.Provider))
	if err != nil {
		return nil, err
	}
	ctor, ok := f[kind]
	if !ok {
		return nil, fmt.Errorf("no backend registered for provider %q", kind)
	}
	return ctor(ctx, rec)
}

// Deps holds what the default constructors need beyond the domain record.
type Deps struct {
	IPADefaultConf string
	IPACACert      string
	IPAAPIVersion  string
	Krb5Conf       string
	Keytab         string

	Credentials *kerberos.Cache
	LDAPDial    ldap.Dialer
}

// NewFactory returns the default factory: the IPA adapter for ipa domains
// and the directory writer, named by uid or cn, for ldap and ad.
func NewFactory(deps Deps) Factory {
	return Factory{
		KindIPA:  newIPAWriter(deps),
		KindLDAP: newDirectoryWriter(deps),
		KindAD:   newDirectoryWriter(deps),
	}
}

func newIPAWriter(deps Deps) Constructor {
	return func(ctx context.Context, rec *domain.Record) (Writer, error) {
		a, err := ipa.NewAdapter(ipa.AdapterConfig{
			DefaultConf: deps.IPADefaultConf,
			CACert:      deps.IPACACert,
			APIVersion:  deps.IPAAPIVersion,
			Kerberos: kerberos.Options{
				Krb5Conf:  deps.Krb5Conf,
				Principal: rec.ClientID,
				Realm:     rec.Realm(),
				Keytab:    deps.Keytab,
			},
		}, deps.Credentials)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

func newDirectoryWriter(deps Deps) Constructor {
	return func(ctx context.Context, rec *domain.Record) (Writer, error) {
		w, err := ldap.NewWriter(ldap.ConfigFromRecord(rec), deps.LDAPDial)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}
