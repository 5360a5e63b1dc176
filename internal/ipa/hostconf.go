package ipa

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/ini.v1"
)

// Paths written by ipa-client-install.
const (
	DefaultConfPath = "/etc/ipa/default.conf"
	DefaultCACert   = "/etc/ipa/ca.crt"
)

// HostConfig is the [global] section of the IPA client configuration.
type HostConfig struct {
	Server string
	Realm  string
	Domain string
	Host   string
	BaseDN string
}

// LoadHostConfig reads the IPA client configuration at path.
func LoadHostConfig(path string) (*HostConfig, error) {
	if path == "" {
		path = DefaultConfPath
	}
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	global := f.Section("global")
	hc := &HostConfig{
		Server: global.Key("server").String(),
		Realm:  global.Key("realm").String(),
		Domain: global.Key("domain").String(),
		Host:   global.Key("host").String(),
		BaseDN: global.Key("basedn").String(),
	}
	if hc.Server == "" {
		return nil, fmt.Errorf("%s has no server in [global]", path)
	}
	return hc, nil
}

// IsClientConfigured reports whether this host is enrolled as an IPA client.
func IsClientConfigured(path string) bool {
	_, err := LoadHostConfig(path)
	return err == nil
}

// TLSConfig trusts the IPA CA at caPath when it exists and the system roots
// otherwise.
func (hc *HostConfig) TLSConfig(caPath string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: hc.Server,
	}
	if caPath == "" {
		caPath = DefaultCACert
	}

	pem, err := os.ReadFile(caPath)
	if errors.Is(err, fs.ErrNotExist) {
		return tlsConfig, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read IPA CA %s: %w", caPath, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caPath)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}
