package sssd

import (
	"slices"
	"strings"
)

// IFPUserAttributes are published through the InfoPipe responder for every
// domain.
var IFPUserAttributes = []string{"mail", "givenname", "sn", "lock"}

// AdditionalExtraAttrs are merged into ldap_user_extra_attrs of joined
// domains so SSSD fetches them from the directory.
var AdditionalExtraAttrs = []string{"mail:mail", "sn:sn", "givenname:givenname", "lock:nsaccountlock"}

// ActivateIFP enables the ifp responder and makes the attributes in
// IFPUserAttributes readable. Any of them listed as negative (-mail) are
// flipped to positive; other entries are preserved.
func ActivateIFP(c *Config) {
	c.ActivateService(SectionIFP)

	negative := make(map[string]bool, len(IFPUserAttributes))
	for _, attr := range IFPUserAttributes {
		negative["-"+attr] = true
	}

	attrs := map[string]bool{}
	if value, ok := c.GetOption(SectionIFP, "user_attributes"); ok {
		for item := range strings.SplitSeq(value, ",") {
			item = strings.TrimSpace(item)
			if item == "" || negative[strings.ToLower(item)] {
				continue
			}
			attrs[item] = true
		}
	}
	for _, attr := range IFPUserAttributes {
		attrs["+"+attr] = true
	}

	c.SetOption(SectionIFP, "user_attributes", JoinList(sortedKeys(attrs)))
}

// MergeExtraAttrs adds the mappings in additional to ldap_user_extra_attrs
// of the domain section. Existing mappings are kept, lower-cased.
func MergeExtraAttrs(c *Config, domainName string, additional []string) {
	section := DomainSection(domainName)

	attrs := map[string]bool{}
	if value, ok := c.GetOption(section, "ldap_user_extra_attrs"); ok {
		for _, item := range ParseList(value) {
			attrs[item] = true
		}
	}
	for _, item := range additional {
		attrs[strings.ToLower(strings.TrimSpace(item))] = true
	}

	c.SetOption(section, "ldap_user_extra_attrs", JoinList(sortedKeys(attrs)))
}

// ConfigureDomains merges AdditionalExtraAttrs into every active domain
// whose id_provider is ipa, ad or ldap and returns the names it touched.
func ConfigureDomains(c *Config) []string {
	var configured []string
	for _, name := range c.ActiveDomains() {
		provider, _ := c.GetOption(DomainSection(name), "id_provider")
		switch strings.ToLower(provider) {
		case "ipa", "ad", "ldap":
			MergeExtraAttrs(c, name, AdditionalExtraAttrs)
			configured = append(configured, name)
		}
	}
	return configured
}

// DomainOptions describes a directory written into a fresh sssd.conf.
type DomainOptions struct {
	Name         string
	Provider     string
	URI          string
	SearchBase   string
	BindDN       string
	BindPassword string
	ExtraAttrs   string
	TLSCACert    string
}

// WriteDefault populates an empty configuration with a single LDAP-style
// domain and the nss, pam and ifp responders.
func WriteDefault(c *Config, opts DomainOptions) {
	c.SetOption(SectionSSSD, "config_file_version", "2")
	c.SetOption(SectionSSSD, "domains", opts.Name)
	c.SetOption(SectionSSSD, "services", "nss, pam, ifp")

	section := DomainSection(opts.Name)
	for _, kv := range [][2]string{
		{"ldap_search_base", opts.SearchBase},
		{"debug_level", "9"},
		{"id_provider", opts.Provider},
		{"auth_provider", opts.Provider},
		{"ldap_user_home_directory", "/home/%u"},
		{"ldap_uri", opts.URI},
		{"ldap_user_extra_attrs", opts.ExtraAttrs},
		{"ldap_default_bind_dn", opts.BindDN},
		{"ldap_default_authtok", opts.BindPassword},
		{"use_fully_qualified_names", "True"},
		{"cache_credentials", "True"},
		{"enumerate", "True"},
		{"timeout", "60"},
		{"ldap_tls_cacert", opts.TLSCACert},
	} {
		c.SetOption(section, kv[0], kv[1])
	}

	c.SetOption(SectionNSS, "timeout", "60")
	c.SetOption(SectionPAM, "timeout", "60")
	c.AddSection(SectionIFP)
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
