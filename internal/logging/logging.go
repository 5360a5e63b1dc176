// Package logging configures the structured root logger and the per-concern
// subsystems used throughout ipa-tuura.
package logging

import (
	"context"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
)

// Subsystem names. Each can be tuned with IPA_TUURA_LOG_<NAME>.
const (
	SubsystemAPI      = "api"
	SubsystemBackend  = "backend"
	SubsystemDomain   = "domain"
	SubsystemEnroll   = "enroll"
	SubsystemIPA      = "ipa"
	SubsystemKerberos = "kerberos"
	SubsystemLDAP     = "ldap"
	SubsystemSSSD     = "sssd"
)

// EnvPrefix prefixes the per-subsystem level environment variables.
const EnvPrefix = "IPA_TUURA_LOG_"

var subsystems = []string{
	SubsystemAPI,
	SubsystemBackend,
	SubsystemDomain,
	SubsystemEnroll,
	SubsystemIPA,
	SubsystemKerberos,
	SubsystemLDAP,
	SubsystemSSSD,
}

// maskedKeys are field keys whose values never reach the log output.
var maskedKeys = []string{
	"password",
	"client_secret",
	"secret",
	"token",
}

// Options controls the root logger.
type Options struct {
	Level string // trace, debug, info, warn, error, off
}

// NewContext returns ctx carrying a JSON root logger writing to the stderr
// present at startup, plus every subsystem.
func NewContext(ctx context.Context, opts Options) context.Context {
	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("ipa-tuura"),
		tfsdklog.WithLevel(parseLevel(opts.Level)),
		tfsdklog.WithStderrFromInit(),
		tfsdklog.WithoutLocation(),
	)

	return WithSubsystems(ctx)
}

// parseLevel maps a level name onto hclog, defaulting to info.
func parseLevel(name string) hclog.Level {
	level := hclog.LevelFromString(name)
	if level == hclog.NoLevel {
		return hclog.Info
	}
	return level
}

// WithSubsystems registers every subsystem on a context that already holds
// a root logger. Tests call it after tflogtest.RootLogger.
func WithSubsystems(ctx context.Context) context.Context {
	for _, name := range subsystems {
		ctx = tflog.NewSubsystem(ctx, name, tflog.WithLevelFromEnv(EnvPrefix+strings.ToUpper(name)))
		ctx = tflog.SubsystemMaskFieldValuesWithFieldKeys(ctx, name, maskedKeys...)
	}
	return ctx
}
