package enroll

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ipa-tuura/internal/identity"
	"github.com/isometry/ipa-tuura/internal/logging"
)

// Commander runs an external program. stdin may be empty.
type Commander interface {
	Run(ctx context.Context, name, stdin string, args ...string) (stdout, stderr string, err error)
}

// ExecCommander runs programs with os/exec. It never imposes a deadline of
// its own; ipa-client-install routinely takes minutes.
type ExecCommander struct{}

// Run starts name and waits for it. A failure to start or a non-zero exit
// is returned as *identity.ExternalCommandError carrying stderr.
func (ExecCommander) Run(ctx context.Context, name, stdin string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	tflog.SubsystemDebug(ctx, logging.SubsystemEnroll, "Running command", map[string]any{
		"command": commandLine(name, args),
	})

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("exit status %d", exitErr.ExitCode())
		}
		return stdout.String(), stderr.String(), &identity.ExternalCommandError{
			Command: commandLine(name, args),
			Stderr:  stderr.String(),
			Err:     err,
		}
	}
	return stdout.String(), stderr.String(), nil
}

// commandLine renders a command for logs and errors with secrets passed as
// flag values masked.
func commandLine(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	maskNext := false
	for _, arg := range args {
		switch {
		case maskNext:
			parts = append(parts, "***")
			maskNext = false
		case arg == "-w" || arg == "--password" || arg == "-W":
			parts = append(parts, arg)
			maskNext = true
		default:
			parts = append(parts, arg)
		}
	}
	return strings.Join(parts, " ")
}
