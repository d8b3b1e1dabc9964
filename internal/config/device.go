package config

import (
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"

	"github.com/saturnino-fabrica-de-software/netra/internal/domain"
)

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
)

// ExecContext is resolved once at startup and passed to the trainer and the
// verification service; nothing downstream inspects the device again.
type ExecContext struct {
	Device   string   `json:"device"`
	Workers  int      `json:"workers"`
	Features []string `json:"features,omitempty"`
}

// ParseDevice normalises a device name. Only CPU execution exists, so
// accelerator names such as "cuda" or "mps" are rejected.
func ParseDevice(name string) (string, error) {
	switch d := strings.ToLower(strings.TrimSpace(name)); d {
	case "", DeviceAuto, DeviceCPU:
		return DeviceCPU, nil
	default:
		return "", domain.ErrInvalidConfig.WithDetails(map[string]any{
			"field":     "app.device",
			"value":     name,
			"supported": []string{DeviceAuto, DeviceCPU},
		})
	}
}

func ResolveDevice(app AppConfig) (ExecContext, error) {
	device, err := ParseDevice(app.Device)
	if err != nil {
		return ExecContext{}, err
	}
	workers := app.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return ExecContext{
		Device:   device,
		Workers:  workers,
		Features: cpuFeatures(),
	}, nil
}

func cpuFeatures() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	add(cpu.X86.HasAVX, "avx")
	add(cpu.X86.HasAVX2, "avx2")
	add(cpu.X86.HasFMA, "fma")
	add(cpu.X86.HasAVX512F, "avx512f")
	add(cpu.ARM64.HasASIMD, "asimd")
	add(cpu.ARM64.HasSVE, "sve")
	return out
}
