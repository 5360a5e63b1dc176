package scim

// Supported flags an optional protocol feature.
type Supported struct {
	Supported bool `json:"supported"`
}

// BulkSupport describes bulk operation limits.
type BulkSupport struct {
	Supported      bool `json:"supported"`
	MaxOperations  int  `json:"maxOperations"`
	MaxPayloadSize int  `json:"maxPayloadSize"`
}

// FilterSupport describes filtering limits.
type FilterSupport struct {
	Supported  bool `json:"supported"`
	MaxResults int  `json:"maxResults"`
}

// AuthenticationScheme describes how clients authenticate.
type AuthenticationScheme struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ServiceProviderConfig advertises the features the bridge implements.
type ServiceProviderConfig struct {
	Schemas               []string               `json:"schemas"`
	DocumentationURI      string                 `json:"documentationUri,omitempty"`
	Patch                 Supported              `json:"patch"`
	Bulk                  BulkSupport            `json:"bulk"`
	Filter                FilterSupport          `json:"filter"`
	ChangePassword        Supported              `json:"changePassword"`
	Sort                  Supported              `json:"sort"`
	ETag                  Supported              `json:"etag"`
	AuthenticationSchemes []AuthenticationScheme `json:"authenticationSchemes"`
	Meta                  Meta                   `json:"meta"`
}

// NewServiceProviderConfig returns the bridge's capabilities. Only
// equality filters are understood, so filtering is advertised as
// unsupported.
func NewServiceProviderConfig(base string) *ServiceProviderConfig {
	return &ServiceProviderConfig{
		Schemas:               []string{SchemaServiceProviderConfig},
		Patch:                 Supported{Supported: false},
		Bulk:                  BulkSupport{Supported: false, MaxOperations: 1000, MaxPayloadSize: 1048576},
		Filter:                FilterSupport{Supported: false, MaxResults: MaxResults},
		ChangePassword:        Supported{Supported: true},
		Sort:                  Supported{Supported: false},
		ETag:                  Supported{Supported: false},
		AuthenticationSchemes: []AuthenticationScheme{},
		Meta: Meta{
			ResourceType: "ServiceProviderConfig",
			Location:     joinBase(base, "ServiceProviderConfig"),
		},
	}
}
