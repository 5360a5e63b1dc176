package scim

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/isometry/ipa-tuura/internal/identity"
)

// User is the SCIM core User resource.
type User struct {
	Schemas    []string `json:"schemas"`
	ID         string   `json:"id,omitempty"`
	ExternalID string   `json:"externalId,omitempty"`
	UserName   string   `json:"userName"`
	Name       *Name    `json:"name,omitempty"`
	Emails     Emails   `json:"emails,omitempty"`
	Active     *bool    `json:"active,omitempty"`
	Groups     []Member `json:"groups,omitempty"`

	// Password is accepted on writes and never rendered.
	Password string `json:"password,omitempty"`

	Meta *Meta `json:"meta,omitempty"`
}

// Name holds the name components the bridge maps.
type Name struct {
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}

// Email is one entry of the emails attribute.
type Email struct {
	Value   string `json:"value"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// Emails decodes from either an array or, as some clients send, a single
// object. Primary addresses sort first.
type Emails []Email

// UnmarshalJSON implements json.Unmarshaler via ParseEmails.
func (e *Emails) UnmarshalJSON(data []byte) error {
	parsed, err := ParseEmails(data)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

var validate = validator.New()

// ParseEmails decodes the emails attribute. Values are trimmed and must be
// valid addresses; a single object is taken as the primary address.
func ParseEmails(raw json.RawMessage) (Emails, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var emails Emails
	switch raw[0] {
	case '[':
		var list []Email
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, BadRequest(TypeInvalidSyntax, "emails: "+err.Error()).wrap(err)
		}
		emails = list
	case '{':
		var single Email
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, BadRequest(TypeInvalidSyntax, "emails: "+err.Error()).wrap(err)
		}
		single.Primary = true
		emails = Emails{single}
	default:
		return nil, BadRequest(TypeInvalidSyntax, "emails must be an array or an object")
	}

	slices.SortStableFunc(emails, func(a, b Email) int {
		switch {
		case a.Primary == b.Primary:
			return 0
		case a.Primary:
			return -1
		default:
			return 1
		}
	})

	for i := range emails {
		emails[i].Value = strings.TrimSpace(emails[i].Value)
		if err := validate.Var(emails[i].Value, "required,email"); err != nil {
			return nil, BadRequest(TypeInvalidValue, fmt.Sprintf("invalid email address %q", emails[i].Value)).wrap(err)
		}
	}
	return emails, nil
}

// Values returns the addresses in order.
func (e Emails) Values() []string {
	if len(e) == 0 {
		return nil
	}
	values := make([]string, len(e))
	for i, email := range e {
		values[i] = email.Value
	}
	return values
}

// DecodeUser reads a User request body. Malformed input becomes a 400
// *Error.
func DecodeUser(r io.Reader) (*User, error) {
	var u User
	if err := json.NewDecoder(r).Decode(&u); err != nil {
		var scimErr *Error
		if errors.As(err, &scimErr) {
			return nil, scimErr
		}
		return nil, BadRequest(TypeInvalidSyntax, "invalid user: "+err.Error()).wrap(err)
	}
	return &u, nil
}

// ValidateNew checks the attributes a user needs to be created.
func (u *User) ValidateNew() error {
	if strings.TrimSpace(u.UserName) == "" {
		return BadRequest(TypeInvalidValue, "userName is required")
	}
	if len(u.Emails) == 0 {
		return BadRequest(TypeInvalidValue, "Empty email value")
	}
	return nil
}

// ToIdentity converts the request into the backend write model. A user
// without an explicit active flag is active.
func (u *User) ToIdentity() *identity.User {
	out := &identity.User{
		Name:     strings.TrimSpace(u.UserName),
		Mail:     u.Emails.Values(),
		Active:   u.Active == nil || *u.Active,
		Password: u.Password,
	}
	if u.Name != nil {
		out.GivenName = u.Name.GivenName
		out.FamilyName = u.Name.FamilyName
	}
	if id, err := strconv.ParseUint(u.ID, 10, 32); err == nil {
		out.ID = uint32(id)
	}
	return out
}

// FromIdentityUser renders a looked-up user. base is the SCIM root URL used
// for locations and may be empty. Group references carry names until
// SetGroups resolves them.
func FromIdentityUser(u *identity.User, base string) *User {
	active := u.Active
	out := &User{
		Schemas:  []string{SchemaUser},
		ID:       resourceID(u.ID, u.Name),
		UserName: u.Name,
		Active:   &active,
	}
	out.Meta = &Meta{ResourceType: "User", Location: location(base, "Users", out.ID)}

	if u.GivenName != "" || u.FamilyName != "" {
		out.Name = &Name{GivenName: u.GivenName, FamilyName: u.FamilyName}
	}
	for i, mail := range u.Mail {
		out.Emails = append(out.Emails, Email{Value: mail, Primary: i == 0})
	}
	for _, name := range u.Groups {
		out.Groups = append(out.Groups, Member{Value: name, Display: name, Ref: location(base, "Groups", name)})
	}
	return out
}

// SetGroups replaces the group references with resolved groups.
func (u *User) SetGroups(groups []identity.Group, base string) {
	u.Groups = nil
	for _, g := range groups {
		id := resourceID(g.ID, g.Name)
		u.Groups = append(u.Groups, Member{Value: id, Display: g.Name, Ref: location(base, "Groups", id)})
	}
}

func resourceID(id uint32, name string) string {
	if id == 0 {
		return name
	}
	return strconv.FormatUint(uint64(id), 10)
}
