package ldap

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryDN(t *testing.T) {
	tests := []struct {
		name  string
		attr  string
		value string
		want  string
	}{
		{"plain", RDNUID, "jdoe", "uid=jdoe,ou=people,dc=ldap,dc=test"},
		{"comma", RDNUID, "Doe, John", "uid=Doe\\, John,ou=people,dc=ldap,dc=test"},
		{"plus", RDNCN, "a+b", "cn=a\\+b,ou=people,dc=ldap,dc=test"},
		{"backslash", RDNCN, "DOMAIN\\jdoe", "cn=DOMAIN\\\\jdoe,ou=people,dc=ldap,dc=test"},
		{"leading hash", RDNUID, "#123", "uid=\\#123,ou=people,dc=ldap,dc=test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dn := EntryDN(tt.attr, tt.value, "ou=people,dc=ldap,dc=test")
			assert.Equal(t, tt.want, dn)

			parsed, err := ldap.ParseDN(dn)
			require.NoError(t, err)
			require.Len(t, parsed.RDNs, 4)
			assert.Equal(t, tt.attr, parsed.RDNs[0].Attributes[0].Type)
			assert.Equal(t, tt.value, parsed.RDNs[0].Attributes[0].Value)
		})
	}
}
