// Package identity holds the user and group model shared by the read path
// (SSSD lookups) and the write path (backend adapters), together with the
// error taxonomy every layer reports through.
package identity

import "strings"

// User is an identity as seen by either side of the bridge.
//
// Lookups fill every field except Password. Writes carry the fields the
// backend understands: Name, GivenName, FamilyName, the first Mail entry and,
// on creation, Password.
type User struct {
	ID         uint32
	Name       string
	GivenName  string
	FamilyName string
	Mail       []string
	Active     bool
	Groups     []string

	// Password is write-only and never populated by a lookup.
	Password string
}

// PrimaryMail returns the first mail address or "" when there is none.
func (u *User) PrimaryMail() string {
	if u == nil || len(u.Mail) == 0 {
		return ""
	}
	return u.Mail[0]
}

// Group is a group and, when expanded, the names of its direct members.
type Group struct {
	ID      uint32
	Name    string
	Members []string
}

// IsLocked reports whether an SSSD "lock" extra attribute value marks the
// account as disabled.
func IsLocked(value string) bool {
	return strings.EqualFold(strings.TrimSpace(value), "true")
}
