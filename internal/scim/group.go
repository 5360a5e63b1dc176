package scim

import "github.com/isometry/ipa-tuura/internal/identity"

// Group is the SCIM core Group resource.
type Group struct {
	Schemas     []string `json:"schemas"`
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Members     []Member `json:"members,omitempty"`
	Meta        *Meta    `json:"meta,omitempty"`
}

// FromIdentityGroup renders a looked-up group. Members are referenced by
// user name.
func FromIdentityGroup(g *identity.Group, base string) *Group {
	out := &Group{
		Schemas:     []string{SchemaGroup},
		ID:          resourceID(g.ID, g.Name),
		DisplayName: g.Name,
	}
	out.Meta = &Meta{ResourceType: "Group", Location: location(base, "Groups", out.ID)}
	for _, name := range g.Members {
		out.Members = append(out.Members, Member{Value: name, Display: name, Ref: location(base, "Users", name)})
	}
	return out
}
