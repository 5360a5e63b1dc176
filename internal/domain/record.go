// Package domain persists the single integration domain ipa-tuura bridges to.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// Provider identifies the kind of identity backend.
type Provider string

const (
	ProviderIPA  Provider = "ipa"
	ProviderLDAP Provider = "ldap"
	ProviderAD   Provider = "ad"
)

// SingletonID is the primary key every Record is stored under. Saving a
// second record replaces the first.
const SingletonID = 1

// DefaultUserExtraAttrs is the extra attribute mapping used when none is given.
const DefaultUserExtraAttrs = "mail:mail, sn:sn, givenname:givenname"

// Object class defaults per provider. IPA manages its own schema.
const (
	DefaultLDAPObjectClasses = "inetOrgPerson,organizationalPerson,person,top"
	DefaultADObjectClasses   = "user,organizationalPerson,person,top"
)

// Record describes the active integration domain.
type Record struct {
	ID          uint   `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name        string `gorm:"size:80;not null" json:"name" validate:"required,max=80"`
	Description string `json:"description"`

	// IntegrationURL is the directory endpoint, e.g. ldap://ldap.test.
	IntegrationURL string `gorm:"column:integration_domain_url;size:255" json:"integration_domain_url" validate:"required,max=255"`

	ClientID     string `gorm:"size:255" json:"client_id" validate:"required,max=255"`
	ClientSecret string `json:"client_secret,omitempty" validate:"required"`

	Provider          Provider `gorm:"column:id_provider;size:5" json:"id_provider" default:"ipa" validate:"oneof=ipa ldap ad"`
	UserExtraAttrs    string   `gorm:"size:255" json:"user_extra_attrs" default:"mail:mail, sn:sn, givenname:givenname"`
	UserObjectClasses string   `gorm:"size:255" json:"user_object_classes"`
	UsersDN           string   `gorm:"column:users_dn;size:255" json:"users_dn" validate:"required,max=255"`
	TLSCACert         string   `gorm:"column:ldap_tls_cacert;size:100" json:"ldap_tls_cacert" default:"/etc/openldap/certs/cacert.pem"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// TableName pins the table name.
func (Record) TableName() string {
	return "domains"
}

// ApplyDefaults fills empty fields, including the provider-dependent object
// classes.
func (r *Record) ApplyDefaults() error {
	if err := defaults.Set(r); err != nil {
		return fmt.Errorf("failed to set default values: %w", err)
	}

	r.Provider = Provider(strings.ToLower(string(r.Provider)))

	if r.UserObjectClasses == "" {
		switch r.Provider {
		case ProviderLDAP:
			r.UserObjectClasses = DefaultLDAPObjectClasses
		case ProviderAD:
			r.UserObjectClasses = DefaultADObjectClasses
		}
	}

	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks required fields and the provider value.
func (r *Record) Validate() error {
	return validate.Struct(r)
}

// Realm is the Kerberos realm derived from the domain name.
func (r *Record) Realm() string {
	return strings.ToUpper(r.Name)
}

// BaseDN derives a search base from the domain name: "ldap.test" becomes
// "dc=ldap,dc=test".
func (r *Record) BaseDN() string {
	parts := strings.Split(r.Name, ".")
	rdns := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			rdns = append(rdns, "dc="+p)
		}
	}
	return strings.Join(rdns, ",")
}

// ExtraAttrs returns the local:remote mapping pairs in order.
func (r *Record) ExtraAttrs() []string {
	return splitList(r.UserExtraAttrs)
}

// ObjectClasses returns the configured user object classes in order.
func (r *Record) ObjectClasses() []string {
	return splitList(r.UserObjectClasses)
}

// Redacted returns a copy safe to serialize back to clients.
func (r *Record) Redacted() *Record {
	c := *r
	c.ClientSecret = ""
	return &c
}

func splitList(s string) []string {
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
