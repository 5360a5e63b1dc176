package enroll

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ipa-tuura/internal/domain"
	"github.com/isometry/ipa-tuura/internal/ipa"
	"github.com/isometry/ipa-tuura/internal/kerberos"
	"github.com/isometry/ipa-tuura/internal/logging"
	"github.com/isometry/ipa-tuura/internal/sssd"
)

// Step names, as they appear in reports and logs.
const (
	StepUninstallClient  = "uninstall-client"
	StepInstallClient    = "install-client"
	StepKinit            = "kinit"
	StepSystemUser       = "create-system-user"
	StepServiceAdd       = "service-add"
	StepRoleAdd          = "role-add"
	StepRoleAddMember    = "role-add-member"
	StepRoleAddPrivilege = "role-add-privilege"
	StepGetKeytab        = "get-keytab"
	StepChownKeytabDir   = "chown-keytab-dir"
	StepRemoveKeytab     = "remove-keytab"
	StepRoleRemoveMember = "role-remove-member"
	StepRoleDel          = "role-del"
	StepServiceDel       = "service-del"
	StepRealmDiscover    = "realm-discover"
	StepRealmJoin        = "realm-join"
	StepMergeExtraAttrs  = "merge-extra-attrs"
	StepWriteSSSDConf    = "write-sssd-conf"
	StepActivateIFP      = "activate-ifp"
	StepRestartSSSD      = "restart-sssd"
	StepRemoveSSSDDomain = "remove-sssd-domain"
)

// ipaSession carries the API client and its credential cache from the
// kinit step to the steps after it.
type ipaSession struct {
	client    IPAClient
	ccacheDir string
	ccacheEnv string
	prevEnv   string
	hadEnv    bool
}

// sessions tracks the ipaSessions opened by one plan.
type sessions []*ipaSession

func (ss *sessions) open() *ipaSession {
	session := &ipaSession{}
	*ss = append(*ss, session)
	return session
}

// close removes the credential caches in reverse order, restoring
// KRB5CCNAME to what it was before each kinit.
func (ss sessions) close(ctx context.Context) {
	for i := len(ss) - 1; i >= 0; i-- {
		session := ss[i]
		if session.ccacheDir == "" {
			continue
		}
		if session.ccacheEnv != "" && os.Getenv(kerberos.EnvCCache) == session.ccacheEnv {
			if session.hadEnv {
				os.Setenv(kerberos.EnvCCache, session.prevEnv)
			} else {
				os.Unsetenv(kerberos.EnvCCache)
			}
		}
		if err := os.RemoveAll(session.ccacheDir); err != nil {
			tflog.SubsystemWarn(ctx, logging.SubsystemEnroll, "Failed to remove credential cache", map[string]any{
				"path":  session.ccacheDir,
				"error": err.Error(),
			})
		}
		session.ccacheDir = ""
	}
}

func (s *Service) principal(rec *domain.Record) (string, error) {
	host, err := s.deps.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to determine hostname: %w", err)
	}
	return fmt.Sprintf("%s/%s@%s", s.opts.ServiceName, host, rec.Realm()), nil
}

func (s *Service) ipaAddPlan(rec *domain.Record, ss *sessions) []Step {
	var steps []Step
	if s.deps.IPAEnrolled() {
		steps = append(steps, s.ipaUndeploySteps(rec, ss)...)
		steps = append(steps, s.uninstallClient())
	}

	session := ss.open()
	steps = append(steps,
		s.command(StepInstallClient, "", "ipa-client-install",
			"--domain", rec.Name,
			"--realm", rec.Realm(),
			"-p", rec.ClientID,
			"-w", rec.ClientSecret,
			"-U", "--force-join"),
		s.kinit(rec, session),
		s.createSystemUser(),
		s.ipaCall(StepServiceAdd, ipa.IsDuplicate, func(ctx context.Context) error {
			princ, err := s.principal(rec)
			if err != nil {
				return err
			}
			return session.client.ServiceAdd(ctx, princ)
		}),
		s.ipaCall(StepRoleAdd, ipa.IsDuplicate, func(ctx context.Context) error {
			return session.client.RoleAdd(ctx, s.opts.RoleName)
		}),
		s.ipaCall(StepRoleAddMember, ipa.IsDuplicate, func(ctx context.Context) error {
			princ, err := s.principal(rec)
			if err != nil {
				return err
			}
			return session.client.RoleAddMember(ctx, s.opts.RoleName, princ)
		}),
		s.ipaCall(StepRoleAddPrivilege, ipa.IsDuplicate, func(ctx context.Context) error {
			return session.client.RoleAddPrivilege(ctx, s.opts.RoleName, s.opts.Privilege)
		}),
		Step{Name: StepGetKeytab, Run: func(ctx context.Context) (Result, error) {
			princ, err := s.principal(rec)
			if err != nil {
				return Fatal, err
			}
			if _, _, err := s.deps.Commander.Run(ctx, "ipa-getkeytab", "", "-p", princ, "-k", s.opts.Keytab); err != nil {
				return Fatal, err
			}
			return Success, nil
		}},
		s.informational(StepChownKeytabDir, "chown", "-R",
			s.opts.SystemUser+":"+s.opts.SystemUser, strings.TrimSuffix(s.opts.KeytabDir, "/")+"/"),
		s.activateIFP(),
		s.restartSSSD(),
	)
	return steps
}

func (s *Service) ipaDeletePlan(rec *domain.Record, ss *sessions) []Step {
	return append(s.ipaUndeploySteps(rec, ss), s.uninstallClient())
}

// ipaUndeploySteps removes the service account. Objects that are already
// gone count as done.
func (s *Service) ipaUndeploySteps(rec *domain.Record, ss *sessions) []Step {
	session := ss.open()
	return []Step{
		s.kinit(rec, session),
		{Name: StepRemoveKeytab, Run: func(ctx context.Context) (Result, error) {
			princ, err := s.principal(rec)
			if err != nil {
				return Fatal, err
			}
			if _, _, err := s.deps.Commander.Run(ctx, "ipa-rmkeytab", "", "-p", princ, "-k", s.opts.Keytab); err != nil {
				logInformational(ctx, StepRemoveKeytab, err)
			}
			return Success, nil
		}},
		s.ipaCall(StepRoleRemoveMember, ipa.IsNotFound, func(ctx context.Context) error {
			princ, err := s.principal(rec)
			if err != nil {
				return err
			}
			return session.client.RoleRemoveMember(ctx, s.opts.RoleName, princ)
		}),
		s.ipaCall(StepRoleDel, ipa.IsNotFound, func(ctx context.Context) error {
			return session.client.RoleDel(ctx, s.opts.RoleName)
		}),
		s.ipaCall(StepServiceDel, ipa.IsNotFound, func(ctx context.Context) error {
			princ, err := s.principal(rec)
			if err != nil {
				return err
			}
			return session.client.ServiceDel(ctx, princ)
		}),
	}
}

func (s *Service) uninstallClient() Step {
	return s.command(StepUninstallClient, "", "ipa-client-install", "--uninstall", "-U")
}

// kinit obtains a ticket for client_id into a private credential cache,
// exports it as KRB5CCNAME for the IPA tools run afterwards and opens the
// API client. The cache lives until the plan's sessions are closed.
func (s *Service) kinit(rec *domain.Record, session *ipaSession) Step {
	return Step{Name: StepKinit, Run: func(ctx context.Context) (Result, error) {
		dir, err := os.MkdirTemp(s.opts.CCacheDir, "krbcc")
		if err != nil {
			return Fatal, fmt.Errorf("failed to create credential cache directory: %w", err)
		}
		session.ccacheDir = dir
		ccache := filepath.Join(dir, "ccache")

		principal := rec.ClientID
		if !strings.Contains(principal, "@") {
			principal += "@" + rec.Realm()
		}
		if _, _, err := s.deps.Commander.Run(ctx, "kinit", rec.ClientSecret, "-c", "FILE:"+ccache, principal); err != nil {
			return Fatal, err
		}
		session.prevEnv, session.hadEnv = os.LookupEnv(kerberos.EnvCCache)
		session.ccacheEnv = "FILE:" + ccache
		if err := os.Setenv(kerberos.EnvCCache, session.ccacheEnv); err != nil {
			return Fatal, err
		}
		logging.LogKerberosEvent(ctx, "Obtained ticket with kinit", map[string]any{
			"principal": principal,
			"ccache":    ccache,
		})

		client, err := s.deps.ConnectIPA(ctx, rec, ccache)
		if err != nil {
			return Fatal, err
		}
		session.client = client
		return Success, nil
	}}
}

// ipaCall runs an IPA command; errors matching tolerate mean the object is
// already in the wanted state.
func (s *Service) ipaCall(name string, tolerate func(error) bool, fn func(ctx context.Context) error) Step {
	return Step{Name: name, Run: func(ctx context.Context) (Result, error) {
		err := fn(ctx)
		switch {
		case err == nil:
			return Success, nil
		case tolerate(err):
			tflog.SubsystemInfo(ctx, logging.SubsystemEnroll, "IPA object already in requested state", map[string]any{
				"step":   name,
				"reason": err.Error(),
			})
			return AlreadyDone, nil
		default:
			return Fatal, err
		}
	}}
}

func (s *Service) createSystemUser() Step {
	user := s.opts.SystemUser
	return Step{Name: StepSystemUser, Run: func(ctx context.Context) (Result, error) {
		if _, _, err := s.deps.Commander.Run(ctx, "groupadd", "", user); err != nil {
			logInformational(ctx, StepSystemUser, err)
		}
		if _, _, err := s.deps.Commander.Run(ctx, "useradd", "", "-r", "-m", "-d", s.opts.KeytabDir, "-g", user, user); err != nil {
			logInformational(ctx, StepSystemUser, err)
		}
		return Success, nil
	}}
}

func (s *Service) adAddPlan(rec *domain.Record) []Step {
	realm := realmFromURL(rec.IntegrationURL)
	return []Step{
		s.command(StepRealmDiscover, "", "realm", "discover", realm),
		s.command(StepRealmJoin, rec.ClientSecret, "realm", "join", realm),
		{Name: StepMergeExtraAttrs, Run: func(ctx context.Context) (Result, error) {
			extra := append(rec.ExtraAttrs(), sssd.AdditionalExtraAttrs...)
			err := sssd.Edit(s.opts.SSSDConfigPath, func(c *sssd.Config) error {
				sssd.MergeExtraAttrs(c, rec.Name, extra)
				return nil
			})
			if err != nil {
				return Fatal, err
			}
			return Success, nil
		}},
		s.activateIFP(),
		s.restartSSSD(),
	}
}

func (s *Service) ldapAddPlan(rec *domain.Record) []Step {
	return []Step{
		{Name: StepWriteSSSDConf, Run: func(ctx context.Context) (Result, error) {
			err := sssd.Replace(s.opts.SSSDConfigPath, func(c *sssd.Config) error {
				sssd.WriteDefault(c, sssd.DomainOptions{
					Name:         rec.Name,
					Provider:     string(rec.Provider),
					URI:          rec.IntegrationURL,
					SearchBase:   rec.BaseDN(),
					BindDN:       rec.ClientID,
					BindPassword: rec.ClientSecret,
					ExtraAttrs:   rec.UserExtraAttrs,
					TLSCACert:    rec.TLSCACert,
				})
				return nil
			})
			if err != nil {
				return Fatal, err
			}
			return Success, nil
		}},
		s.activateIFP(),
		s.restartSSSD(),
	}
}

func (s *Service) activateIFP() Step {
	return Step{Name: StepActivateIFP, Run: func(ctx context.Context) (Result, error) {
		err := sssd.Edit(s.opts.SSSDConfigPath, func(c *sssd.Config) error {
			sssd.ActivateIFP(c)
			return nil
		})
		if err != nil {
			return Fatal, err
		}
		return Success, nil
	}}
}

// restartSSSD never fails the plan; the new configuration is picked up on
// the daemon's next start.
func (s *Service) restartSSSD() Step {
	return Step{Name: StepRestartSSSD, Run: func(ctx context.Context) (Result, error) {
		if err := s.deps.Restarter.Restart(ctx); err != nil {
			tflog.SubsystemWarn(ctx, logging.SubsystemEnroll, "SSSD restart failed", map[string]any{
				"error": err.Error(),
			})
		}
		return Success, nil
	}}
}

// removeSSSDDomain drops the domain from sssd.conf. A domain that is not
// configured, or a missing file, is logged and treated as done.
func (s *Service) removeSSSDDomain(rec *domain.Record) Step {
	return Step{Name: StepRemoveSSSDDomain, Run: func(ctx context.Context) (Result, error) {
		fields := map[string]any{
			"domain": rec.Name,
			"path":   s.opts.SSSDConfigPath,
		}
		if _, err := os.Stat(s.opts.SSSDConfigPath); err != nil {
			fields["error"] = err.Error()
			tflog.SubsystemInfo(ctx, logging.SubsystemEnroll, "SSSD configuration not accessible, domain not removed", fields)
			return AlreadyDone, nil
		}

		errNotActive := errors.New("domain not active")
		err := sssd.Edit(s.opts.SSSDConfigPath, func(c *sssd.Config) error {
			if !c.DeleteDomain(rec.Name) {
				return errNotActive
			}
			return nil
		})
		switch {
		case err == nil:
			return Success, nil
		case errors.Is(err, errNotActive):
			tflog.SubsystemInfo(ctx, logging.SubsystemEnroll, "Domain not found in SSSD configuration, nothing removed", fields)
			return AlreadyDone, nil
		default:
			return Fatal, err
		}
	}}
}

// command runs a program whose failure is fatal.
func (s *Service) command(name, stdin, program string, args ...string) Step {
	return Step{Name: name, Run: func(ctx context.Context) (Result, error) {
		if _, _, err := s.deps.Commander.Run(ctx, program, stdin, args...); err != nil {
			return Fatal, err
		}
		return Success, nil
	}}
}

// informational runs a program whose failure is only logged.
func (s *Service) informational(name, program string, args ...string) Step {
	return Step{Name: name, Run: func(ctx context.Context) (Result, error) {
		if _, _, err := s.deps.Commander.Run(ctx, program, "", args...); err != nil {
			logInformational(ctx, name, err)
		}
		return Success, nil
	}}
}

func logInformational(ctx context.Context, step string, err error) {
	tflog.SubsystemInfo(ctx, logging.SubsystemEnroll, "Command failed, continuing", map[string]any{
		"step":  step,
		"error": err.Error(),
	})
}

// realmFromURL strips the ldap:// or ldaps:// scheme and any path.
func realmFromURL(rawURL string) string {
	realm := strings.TrimSpace(rawURL)
	for _, scheme := range []string{"ldaps://", "ldap://"} {
		if len(realm) >= len(scheme) && strings.EqualFold(realm[:len(scheme)], scheme) {
			realm = realm[len(scheme):]
			break
		}
	}
	if idx := strings.IndexAny(realm, "/:"); idx >= 0 {
		realm = realm[:idx]
	}
	return realm
}
