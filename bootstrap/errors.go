package bootstrap

import (
	"fmt"

	"github.com/pkg/errors"
)

const cpuRemediation = "This model was exported for an accelerator that this machine does not have. " +
	"Export the model again from a CPU-compatible environment (or export with export_device=cpu) " +
	"and replace the artifact, or run the service on a host with a supported GPU."

const configRemediation = "runtime.use_cuda is set but no CUDA device could be initialized. " +
	"Set runtime.use_cuda to false to run on the CPU."

// HardwareMismatchError means the model artifact needs an accelerator the host lacks.
// It is a configuration error and is never retried.
type HardwareMismatchError struct {
	Artifact    string
	Required    string
	Remediation string
	// Cause is set when the device failed while opening sessions rather than in the probe.
	Cause error
}

func (e *HardwareMismatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s requires %s, which could not be used on this host (%v). %s",
			e.Artifact, e.Required, e.Cause, e.Remediation)
	}
	return fmt.Sprintf("%s requires %s, which is not available on this host. %s", e.Artifact, e.Required, e.Remediation)
}

func (e *HardwareMismatchError) Unwrap() error { return e.Cause }

// GenericLoadError covers every other fetch or deserialization failure.
type GenericLoadError struct {
	Artifact string
	Cause    error
}

func (e *GenericLoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.Artifact, e.Cause)
}

func (e *GenericLoadError) Unwrap() error { return e.Cause }

func loadError(artifact string, err error) error {
	var mismatch *HardwareMismatchError
	if errors.As(err, &mismatch) {
		return err
	}
	var generic *GenericLoadError
	if errors.As(err, &generic) {
		return err
	}
	return &GenericLoadError{Artifact: artifact, Cause: err}
}

// IsFatal reports whether err is a bootstrap failure that must abort startup.
func IsFatal(err error) bool {
	var mismatch *HardwareMismatchError
	var generic *GenericLoadError
	return errors.As(err, &mismatch) || errors.As(err, &generic)
}
