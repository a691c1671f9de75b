package bootstrap

import (
	"fmt"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sys/cpu"
)

const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Capabilities describes what the host can run.
type Capabilities struct {
	CUDA      bool
	CUDAError string
	AVX2      bool
	AVX512    bool
	ASIMD     bool
}

// ProbeCapabilities checks for a usable CUDA execution provider. The runtime
// environment must already be initialized.
func ProbeCapabilities(deviceID int) Capabilities {
	caps := Capabilities{
		AVX2:   cpu.X86.HasAVX2,
		AVX512: cpu.X86.HasAVX512,
		ASIMD:  cpu.ARM64.HasASIMD,
	}

	if err := probeCUDA(deviceID); err != nil {
		caps.CUDAError = err.Error()
	} else {
		caps.CUDA = true
	}

	return caps
}

func probeCUDA(deviceID int) error {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return err
	}
	defer options.Destroy()

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()

	if err := cudaOptions.Update(map[string]string{"device_id": fmt.Sprintf("%d", deviceID)}); err != nil {
		return err
	}

	return options.AppendExecutionProviderCUDA(cudaOptions)
}

// sessionError reports a CUDA session that failed to open as a hardware mismatch.
// ProbeCapabilities only proves the provider library loads; the device is bound when
// the first session is created.
func sessionError(info *ArtifactInfo, err error) error {
	remediation := configRemediation
	if strings.EqualFold(info.ExportDevice, DeviceCUDA) {
		remediation = cpuRemediation
	}
	return &HardwareMismatchError{
		Artifact:    info.Path,
		Required:    DeviceCUDA,
		Remediation: remediation,
		Cause:       err,
	}
}

// CheckCompatibility fails with HardwareMismatchError when the artifact, or the
// configuration, needs an accelerator the host does not have.
func CheckCompatibility(info *ArtifactInfo, caps Capabilities, wantCUDA bool) error {
	device := strings.ToLower(info.ExportDevice)
	switch device {
	case "", DeviceCPU:
		device = DeviceCPU
	case DeviceCUDA:
	default:
		return &GenericLoadError{Artifact: info.Path, Cause: fmt.Errorf("unknown export device %q", info.ExportDevice)}
	}
	remediation := cpuRemediation
	if wantCUDA && device == DeviceCPU {
		device = DeviceCUDA
		remediation = configRemediation
	}

	if device == DeviceCUDA && !caps.CUDA {
		return &HardwareMismatchError{
			Artifact:    info.Path,
			Required:    device,
			Remediation: remediation,
		}
	}
	return nil
}
