// Package enroll joins the host to an integration domain and removes it
// again. Each provider's procedure is a plan of ordered steps run by a
// small driver, either inline or from the background Queue.
package enroll

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ipa-tuura/internal/logging"
)

// Result is the outcome of one step.
type Result int

const (
	Success Result = iota
	AlreadyDone
	Fatal
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case AlreadyDone:
		return "already-done"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Step is one named action of a plan.
type Step struct {
	Name string
	Run  func(ctx context.Context) (Result, error)
}

// StepReport records how a step finished.
type StepReport struct {
	Name   string
	Result Result
	Err    error
}

// Report lists the steps that ran, in order.
type Report []StepReport

// Result returns the outcome of the named step and whether it ran.
func (r Report) Result(name string) (Result, bool) {
	for _, s := range r {
		if s.Name == name {
			return s.Result, true
		}
	}
	return 0, false
}

// Names returns the names of the steps that ran.
func (r Report) Names() []string {
	names := make([]string, len(r))
	for i, s := range r {
		names[i] = s.Name
	}
	return names
}

// StepError wraps the error of the step that stopped a plan.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Run executes steps in order. A step that returns an error, or Fatal,
// stops the sequence; nothing already done is rolled back.
func Run(ctx context.Context, steps []Step) (Report, error) {
	report := make(Report, 0, len(steps))

	for _, step := range steps {
		start := time.Now()
		result, err := step.Run(ctx)
		if err != nil {
			result = Fatal
		}
		report = append(report, StepReport{Name: step.Name, Result: result, Err: err})

		fields := map[string]any{
			"step":        step.Name,
			"result":      result.String(),
			"duration_ms": time.Since(start).Milliseconds(),
		}

		if result == Fatal {
			if err == nil {
				err = fmt.Errorf("step reported failure")
			}
			fields["error"] = err.Error()
			tflog.SubsystemError(ctx, logging.SubsystemEnroll, "Enrollment step failed", fields)
			return report, &StepError{Step: step.Name, Err: err}
		}
		tflog.SubsystemDebug(ctx, logging.SubsystemEnroll, "Enrollment step completed", fields)
	}

	return report, nil
}
