package ldap

import "github.com/go-ldap/ldap/v3"

// EntryDN builds rdnAttr=value,parent with value escaped per RFC 4514.
func EntryDN(rdnAttr, value, parent string) string {
	return rdnAttr + "=" + ldap.EscapeDN(value) + "," + parent
}
