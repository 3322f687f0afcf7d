package session

import (
	"context"
	"os"
	"runtime"
	"strconv"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Environment keys written by DetectEnvironment.
const (
	EnvOS          = "os"
	EnvArch        = "arch"
	EnvGoVersion   = "go_version"
	EnvHostname    = "hostname"
	EnvPlatform    = "platform"
	EnvKernel      = "kernel"
	EnvCPUCount    = "cpu_count"
	EnvMemoryTotal = "memory_total"
)

// DetectEnvironment describes the machine the recorder runs on. Host lookups
// that fail are skipped; the runtime fields are always present.
func DetectEnvironment(ctx context.Context) map[string]string {
	env := map[string]string{
		EnvOS:        runtime.GOOS,
		EnvArch:      runtime.GOARCH,
		EnvGoVersion: runtime.Version(),
		EnvCPUCount:  strconv.Itoa(runtime.NumCPU()),
	}
	if h, err := os.Hostname(); err == nil {
		env[EnvHostname] = h
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		if info.Hostname != "" {
			env[EnvHostname] = info.Hostname
		}
		env[EnvPlatform] = info.Platform + " " + info.PlatformVersion
		env[EnvKernel] = info.KernelVersion
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		env[EnvCPUCount] = strconv.Itoa(n)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		env[EnvMemoryTotal] = strconv.FormatUint(vm.Total, 10)
	}
	return env
}

// LowCapability reports whether env describes a machine with at most
// threshold logical CPUs. Unknown CPU counts are not low capability.
func LowCapability(env map[string]string, threshold int) bool {
	n, err := strconv.Atoi(env[EnvCPUCount])
	if err != nil || n <= 0 {
		return false
	}
	return n <= threshold
}
