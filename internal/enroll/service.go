package enroll

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ipa-tuura/internal/domain"
	"github.com/isometry/ipa-tuura/internal/identity"
	"github.com/isometry/ipa-tuura/internal/ipa"
	"github.com/isometry/ipa-tuura/internal/kerberos"
	"github.com/isometry/ipa-tuura/internal/logging"
	"github.com/isometry/ipa-tuura/internal/sssd"
)

// RecordStore persists the domain record.
type RecordStore interface {
	Get(ctx context.Context) (*domain.Record, error)
	Save(ctx context.Context, rec *domain.Record) error
	Delete(ctx context.Context) error
}

// Resetter drops state derived from the active domain, i.e. the backend
// selector.
type Resetter interface {
	Reset()
}

// Restarter restarts the lookup daemon.
type Restarter interface {
	Restart(ctx context.Context) error
}

// IPAClient is the part of the IPA API used to deploy the service account.
type IPAClient interface {
	ServiceAdd(ctx context.Context, principal string) error
	ServiceDel(ctx context.Context, principal string) error
	RoleAdd(ctx context.Context, role string) error
	RoleDel(ctx context.Context, role string) error
	RoleAddMember(ctx context.Context, role, service string) error
	RoleRemoveMember(ctx context.Context, role, service string) error
	RoleAddPrivilege(ctx context.Context, role, privilege string) error
}

// IPAConnector opens an IPA API client as rec's client_id using the
// credential cache filled by kinit.
type IPAConnector func(ctx context.Context, rec *domain.Record, ccache string) (IPAClient, error)

// Options holds the host paths and IPA object names used by the plans.
type Options struct {
	SSSDConfigPath string
	IPADefaultConf string
	IPACACert      string
	IPAAPIVersion  string
	Krb5Conf       string

	Keytab      string
	KeytabDir   string
	ServiceName string
	RoleName    string
	Privilege   string
	SystemUser  string

	// CCacheDir is where kinit credential caches are created. Empty means
	// the system temporary directory.
	CCacheDir string
}

// Deps are the collaborators of a Service. Store is required; the rest
// default to the host implementations.
type Deps struct {
	Store      RecordStore
	Backends   Resetter
	Commander  Commander
	Restarter  Restarter
	ConnectIPA IPAConnector

	IPAEnrolled func() bool
	Hostname    func() (string, error)
}

// Service adds and deletes the integration domain.
type Service struct {
	opts Options
	deps Deps
}

// NewService returns a Service with defaults filled in.
func NewService(opts Options, deps Deps) *Service {
	if opts.SSSDConfigPath == "" {
		opts.SSSDConfigPath = sssd.DefaultConfigPath
	}
	if opts.IPADefaultConf == "" {
		opts.IPADefaultConf = ipa.DefaultConfPath
	}
	if opts.KeytabDir == "" {
		opts.KeytabDir = "/var/lib/ipa/ipatuura"
	}
	if opts.Keytab == "" {
		opts.Keytab = opts.KeytabDir + "/service.keytab"
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "ipatuura"
	}
	if opts.RoleName == "" {
		opts.RoleName = "ipatuura writable interface"
	}
	if opts.Privilege == "" {
		opts.Privilege = "User Administrators"
	}
	if opts.SystemUser == "" {
		opts.SystemUser = "scim"
	}

	if deps.Commander == nil {
		deps.Commander = ExecCommander{}
	}
	if deps.Restarter == nil {
		deps.Restarter = sssd.NewRestarter(sssd.DefaultUnit)
	}
	if deps.ConnectIPA == nil {
		deps.ConnectIPA = defaultIPAConnector(opts)
	}
	if deps.IPAEnrolled == nil {
		conf := opts.IPADefaultConf
		deps.IPAEnrolled = func() bool { return ipa.IsClientConfigured(conf) }
	}
	if deps.Hostname == nil {
		deps.Hostname = os.Hostname
	}

	return &Service{opts: opts, deps: deps}
}

// ActiveDomains lists the domains SSSD is configured for. A missing
// sssd.conf means none.
func (s *Service) ActiveDomains(ctx context.Context) ([]string, error) {
	if _, err := os.Stat(s.opts.SSSDConfigPath); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	cfg, err := sssd.Read(s.opts.SSSDConfigPath)
	if err != nil {
		return nil, err
	}
	return cfg.ActiveDomains(), nil
}

// CheckAvailable returns *identity.ConflictError when a domain is already
// active.
func (s *Service) CheckAvailable(ctx context.Context) error {
	active, err := s.ActiveDomains(ctx)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return &identity.ConflictError{Active: active}
	}
	return nil
}

// Add enrolls the host into rec's domain and persists rec. Nothing is run
// when a domain is already active.
func (s *Service) Add(ctx context.Context, rec *domain.Record) (Report, error) {
	if err := rec.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := s.CheckAvailable(ctx); err != nil {
		return nil, err
	}

	fields := map[string]any{
		"domain":   rec.Name,
		"provider": string(rec.Provider),
	}
	tflog.SubsystemInfo(ctx, logging.SubsystemEnroll, "Adding domain", fields)

	var ss sessions
	steps, err := s.addPlan(rec, &ss)
	if err != nil {
		return nil, err
	}
	report, err := Run(ctx, steps)
	ss.close(ctx)
	if err != nil {
		return report, err
	}

	if err := s.deps.Store.Save(ctx, rec); err != nil {
		return report, err
	}
	s.resetBackends()

	tflog.SubsystemInfo(ctx, logging.SubsystemEnroll, "Domain added", fields)
	return report, nil
}

// Delete leaves the stored domain and removes its record. Without a record
// there is nothing to do.
func (s *Service) Delete(ctx context.Context) (Report, error) {
	rec, err := s.deps.Store.Get(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		tflog.SubsystemInfo(ctx, logging.SubsystemEnroll, "No domain to delete", nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"domain":   rec.Name,
		"provider": string(rec.Provider),
	}
	tflog.SubsystemInfo(ctx, logging.SubsystemEnroll, "Deleting domain", fields)

	var ss sessions
	report, err := Run(ctx, s.deletePlan(rec, &ss))
	ss.close(ctx)
	if err != nil {
		return report, err
	}

	if err := s.deps.Store.Delete(ctx); err != nil {
		return report, err
	}
	s.resetBackends()

	tflog.SubsystemInfo(ctx, logging.SubsystemEnroll, "Domain deleted", fields)
	return report, nil
}

func (s *Service) resetBackends() {
	if s.deps.Backends != nil {
		s.deps.Backends.Reset()
	}
}

func (s *Service) addPlan(rec *domain.Record, ss *sessions) ([]Step, error) {
	switch rec.Provider {
	case domain.ProviderIPA:
		return s.ipaAddPlan(rec, ss), nil
	case domain.ProviderAD:
		return s.adAddPlan(rec), nil
	case domain.ProviderLDAP:
		return s.ldapAddPlan(rec), nil
	default:
		return nil, fmt.Errorf("unsupported identity provider %q", rec.Provider)
	}
}

func (s *Service) deletePlan(rec *domain.Record, ss *sessions) []Step {
	if rec.Provider == domain.ProviderIPA {
		return s.ipaDeletePlan(rec, ss)
	}
	return []Step{s.removeSSSDDomain(rec)}
}

func defaultIPAConnector(opts Options) IPAConnector {
	return func(ctx context.Context, rec *domain.Record, ccache string) (IPAClient, error) {
		host, err := ipa.LoadHostConfig(opts.IPADefaultConf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ipa.ErrClientNotConfigured, err)
		}
		tlsConfig, err := host.TLSConfig(opts.IPACACert)
		if err != nil {
			return nil, err
		}

		krb, err := kerberos.NewCache().Acquire(ctx, kerberos.Options{
			Krb5Conf:  opts.Krb5Conf,
			Principal: rec.ClientID,
			Realm:     rec.Realm(),
			CCache:    ccache,
			Password:  rec.ClientSecret,
		})
		if err != nil {
			return nil, err
		}
		return ipa.NewKerberosClient(host.Server, krb, tlsConfig, ipa.WithAPIVersion(opts.IPAAPIVersion)), nil
	}
}
