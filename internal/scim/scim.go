// Package scim defines the SCIM 2.0 resource shapes served at the bridge's
// external boundary and their conversion to and from the identity model.
package scim

import "strings"

// Schema URIs from RFC 7643 and RFC 7644.
const (
	SchemaUser                  = "urn:ietf:params:scim:schemas:core:2.0:User"
	SchemaGroup                 = "urn:ietf:params:scim:schemas:core:2.0:Group"
	SchemaServiceProviderConfig = "urn:ietf:params:scim:schemas:core:2.0:ServiceProviderConfig"
	SchemaListResponse          = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	SchemaError                 = "urn:ietf:params:scim:api:messages:2.0:Error"
)

// ContentType is the media type of SCIM requests and responses.
const ContentType = "application/scim+json"

// MaxResults caps list responses.
const MaxResults = 50

// Meta is the common resource metadata.
type Meta struct {
	ResourceType string `json:"resourceType"`
	Location     string `json:"location,omitempty"`
}

// Member references a group from a user, or a user from a group.
type Member struct {
	Value   string `json:"value"`
	Display string `json:"display,omitempty"`
	Ref     string `json:"$ref,omitempty"`
}

// ListResponse wraps query results.
type ListResponse[T any] struct {
	Schemas      []string `json:"schemas"`
	TotalResults int      `json:"totalResults"`
	StartIndex   int      `json:"startIndex"`
	ItemsPerPage int      `json:"itemsPerPage"`
	Resources    []T      `json:"Resources"`
}

// NewListResponse returns a single page holding every item.
func NewListResponse[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{
		Schemas:      []string{SchemaListResponse},
		TotalResults: len(items),
		StartIndex:   1,
		ItemsPerPage: len(items),
		Resources:    items,
	}
}

func location(base, kind, id string) string {
	return joinBase(base, kind+"/"+id)
}

func joinBase(base, path string) string {
	if base == "" {
		return ""
	}
	return strings.TrimSuffix(base, "/") + "/" + path
}
