package sssd

import (
	"context"
	"fmt"

	systemd "github.com/coreos/go-systemd/v22/dbus"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ipa-tuura/internal/identity"
	"github.com/isometry/ipa-tuura/internal/logging"
)

// DefaultUnit is the systemd unit running SSSD.
const DefaultUnit = "sssd.service"

// UnitManager is the subset of the systemd D-Bus API used to restart SSSD.
type UnitManager interface {
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	Close()
}

// Restarter restarts the SSSD unit so configuration changes take effect.
type Restarter struct {
	Unit    string
	Connect func(ctx context.Context) (UnitManager, error)
}

// NewRestarter returns a Restarter for unit using the system manager.
func NewRestarter(unit string) *Restarter {
	if unit == "" {
		unit = DefaultUnit
	}
	return &Restarter{
		Unit: unit,
		Connect: func(ctx context.Context) (UnitManager, error) {
			return systemd.NewWithContext(ctx)
		},
	}
}

// Restart restarts the unit and waits for the job to finish.
func (r *Restarter) Restart(ctx context.Context) error {
	command := "systemctl restart " + r.Unit

	conn, err := r.Connect(ctx)
	if err != nil {
		return &identity.ExternalCommandError{Command: command, Err: fmt.Errorf("unable to connect to systemd: %w", err)}
	}
	defer conn.Close()

	done := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, r.Unit, "replace", done); err != nil {
		return &identity.ExternalCommandError{Command: command, Err: err}
	}

	select {
	case status := <-done:
		if status != "done" {
			return &identity.ExternalCommandError{Command: command, Err: fmt.Errorf("job finished with status %q", status)}
		}
	case <-ctx.Done():
		return &identity.ExternalCommandError{Command: command, Err: ctx.Err()}
	}

	tflog.SubsystemInfo(ctx, logging.SubsystemSSSD, "SSSD restarted", map[string]any{
		"unit": r.Unit,
	})
	return nil
}
