package sssd

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/ini.v1"
)

// DefaultConfigPath is where SSSD reads its configuration.
const DefaultConfigPath = "/etc/sssd/sssd.conf"

// Service and section names used in sssd.conf.
const (
	SectionSSSD = "sssd"
	SectionNSS  = "nss"
	SectionPAM  = "pam"
	SectionIFP  = "ifp"
)

// fileMu serializes every read-modify-write cycle on sssd.conf made by this
// process.
var fileMu sync.Mutex

// Config is an in-memory sssd.conf.
type Config struct {
	path string
	file *ini.File
}

var loadOptions = ini.LoadOptions{IgnoreInlineComment: true}

// New returns an empty configuration that will be saved to path.
func New(path string) *Config {
	file := ini.Empty(loadOptions)
	return &Config{path: path, file: file}
}

// Load parses the configuration at path.
func Load(path string) (*Config, error) {
	file, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return nil, fmt.Errorf("unable to read SSSD config %s: %w", path, err)
	}
	return &Config{path: path, file: file}, nil
}

// Edit loads path, applies fn and saves the result while holding the
// process-wide config lock.
func Edit(path string, fn func(*Config) error) error {
	fileMu.Lock()
	defer fileMu.Unlock()

	cfg, err := Load(path)
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	return cfg.Save()
}

// Replace builds a fresh configuration with fn and writes it over path
// while holding the process-wide config lock.
func Replace(path string, fn func(*Config) error) error {
	fileMu.Lock()
	defer fileMu.Unlock()

	cfg := New(path)
	if err := fn(cfg); err != nil {
		return err
	}
	return cfg.Save()
}

// Read loads path under the config lock without modifying it.
func Read(path string) (*Config, error) {
	fileMu.Lock()
	defer fileMu.Unlock()
	return Load(path)
}

// Path returns the file the configuration saves to.
func (c *Config) Path() string {
	return c.path
}

// DomainSection returns the section name for a domain.
func DomainSection(name string) string {
	return "domain/" + name
}

// HasSection reports whether section exists.
func (c *Config) HasSection(section string) bool {
	_, err := c.file.GetSection(section)
	return err == nil
}

// AddSection creates section if it does not exist.
func (c *Config) AddSection(section string) {
	_ = c.file.Section(section)
}

// GetOption returns the value of key in section.
func (c *Config) GetOption(section, key string) (string, bool) {
	sec, err := c.file.GetSection(section)
	if err != nil || !sec.HasKey(key) {
		return "", false
	}
	return sec.Key(key).String(), true
}

// SetOption sets key in section, creating the section if needed.
func (c *Config) SetOption(section, key, value string) {
	c.file.Section(section).Key(key).SetValue(value)
}

// DeleteOption removes key from section.
func (c *Config) DeleteOption(section, key string) {
	if sec, err := c.file.GetSection(section); err == nil {
		sec.DeleteKey(key)
	}
}

// ActiveDomains lists the domains enabled in [sssd] domains.
func (c *Config) ActiveDomains() []string {
	value, _ := c.GetOption(SectionSSSD, "domains")
	return splitList(value, false)
}

// Services lists the responders enabled in [sssd] services.
func (c *Config) Services() []string {
	value, _ := c.GetOption(SectionSSSD, "services")
	return splitList(value, true)
}

// ActivateService enables a responder such as "ifp" and makes sure its
// section exists.
func (c *Config) ActivateService(name string) {
	services := c.Services()
	if !slices.Contains(services, name) {
		services = append(services, name)
	}
	c.SetOption(SectionSSSD, "services", JoinList(services))
	c.AddSection(name)
}

// DeleteDomain removes the domain section and its entry in [sssd] domains.
// It reports whether the domain was active.
func (c *Config) DeleteDomain(name string) bool {
	domains := c.ActiveDomains()
	idx := slices.Index(domains, name)
	if idx < 0 {
		return false
	}

	domains = slices.Delete(domains, idx, idx+1)
	if len(domains) == 0 {
		c.DeleteOption(SectionSSSD, "domains")
	} else {
		c.SetOption(SectionSSSD, "domains", JoinList(domains))
	}
	c.file.DeleteSection(DomainSection(name))
	return true
}

// Bytes renders the configuration.
func (c *Config) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.file.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("unable to render SSSD config: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes the configuration back to its path.
func (c *Config) Save() error {
	return c.WriteTo(c.path)
}

// WriteTo writes the configuration to path with mode 0600, which SSSD
// requires.
func (c *Config) WriteTo(path string) error {
	data, err := c.Bytes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("unable to write SSSD config %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("unable to set mode on SSSD config %s: %w", path, err)
	}
	return nil
}

// ParseList splits a comma separated option value into trimmed lower-case
// items, dropping empty ones.
func ParseList(value string) []string {
	return splitList(value, true)
}

// JoinList serializes items the way SSSD writes lists.
func JoinList(items []string) string {
	return strings.Join(items, ", ")
}

func splitList(value string, lower bool) []string {
	var out []string
	for item := range strings.SplitSeq(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if lower {
			item = strings.ToLower(item)
		}
		out = append(out, item)
	}
	return out
}
