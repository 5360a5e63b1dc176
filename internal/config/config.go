// Package config loads the ipa-tuura service configuration.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (IPA_TUURA_*, e.g. IPA_TUURA_SERVER_ADDR)
//  2. Configuration file (YAML)
//  3. Default values from the struct tags below
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/isometry/ipa-tuura/internal/domain"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "IPA_TUURA"

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig       `mapstructure:"server"`
	Database domain.StoreConfig `mapstructure:"database"`
	SSSD     SSSDConfig         `mapstructure:"sssd"`
	IPA      IPAConfig          `mapstructure:"ipa"`
	Kerberos KerberosConfig     `mapstructure:"kerberos"`
	Enroll   EnrollConfig       `mapstructure:"enroll"`
	Logging  LoggingConfig      `mapstructure:"logging"`
	Metrics  MetricsConfig      `mapstructure:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" default:":8000" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" default:"30s" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" default:"60s" validate:"gt=0"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" default:"60s" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" default:"10s" validate:"gt=0"`
}

// SSSDConfig locates the lookup daemon's configuration and unit.
type SSSDConfig struct {
	ConfigPath string `mapstructure:"config_path" default:"/etc/sssd/sssd.conf" validate:"required"`
	UnitName   string `mapstructure:"unit_name" default:"sssd.service" validate:"required"`
}

// IPAConfig holds the IPA enrollment constants.
type IPAConfig struct {
	DefaultConf string `mapstructure:"default_conf" default:"/etc/ipa/default.conf"`
	KeytabDir   string `mapstructure:"keytab_dir" default:"/var/lib/ipa/ipatuura"`
	Keytab      string `mapstructure:"keytab" default:"/var/lib/ipa/ipatuura/service.keytab"`
	ServiceName string `mapstructure:"service_name" default:"ipatuura" validate:"required"`
	RoleName    string `mapstructure:"role_name" default:"ipatuura writable interface" validate:"required"`
	Privilege   string `mapstructure:"privilege" default:"User Administrators" validate:"required"`
	APIVersion  string `mapstructure:"api_version" default:"2.251"`
	SystemUser  string `mapstructure:"system_user" default:"scim"`
}

// KerberosConfig locates krb5.conf.
type KerberosConfig struct {
	Krb5Conf string `mapstructure:"krb5_conf" default:"/etc/krb5.conf"`
}

// EnrollConfig sizes the background enrollment queue.
type EnrollConfig struct {
	Workers   int `mapstructure:"workers" default:"1" validate:"min=1"`
	QueueSize int `mapstructure:"queue_size" default:"16" validate:"min=1"`
}

// LoggingConfig sets the root log level.
type LoggingConfig struct {
	Level string `mapstructure:"level" default:"info" validate:"oneof=trace debug info warn error off TRACE DEBUG INFO WARN ERROR OFF"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" default:"true"`
}

// Default returns a configuration populated only from defaults.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}
	return cfg, nil
}

// Load reads configPath (optional) and the environment on top of defaults,
// then validates the result.
func Load(configPath string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about.
	registerKeys(v, "", reflect.ValueOf(cfg).Elem())

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("configuration file not found: %s", configPath)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks struct constraints.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(cfg)
}

func registerKeys(v *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := range rt.NumField() {
		field := rt.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		fv := rv.Field(i)
		if fv.Kind() == reflect.Struct {
			registerKeys(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}
