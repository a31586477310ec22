package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/mitchellh/go-ps"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/oshokin/app-installer/internal/logger"
	"github.com/oshokin/app-installer/internal/process"
)

// Fact names a detectable platform property.
type Fact string

// Detectable facts.
const (
	FactOS            Fact = "os"
	FactArch          Fact = "arch"
	FactFamily        Fact = "family"
	FactDistro        Fact = "distro"
	FactDistroVersion Fact = "distro_version"
	FactKernel        Fact = "kernel"
	FactDesktop       Fact = "desktop"
	FactSession       Fact = "session"
	FactGPU           Fact = "gpu"
	FactCPU           Fact = "cpu"
	FactCPUCount      Fact = "cpu_count"
	FactMemoryMB      Fact = "memory_mb"
)

// Values reported when a fact cannot be determined from the environment.
const (
	Unknown    = "unknown"
	SessionTTY = "tty"
)

// bytesPerMiB converts memory totals.
const bytesPerMiB = 1 << 20

// errUnknownFact is returned for facts without a collector.
var errUnknownFact = errors.New("unknown fact")

// desktopProcesses maps session processes to desktop environment names.
//
//nolint:gochecknoglobals // Read-only lookup table.
var desktopProcesses = map[string]string{
	"gnome-shell":     "GNOME",
	"plasmashell":     "KDE",
	"xfce4-session":   "XFCE",
	"cinnamon":        "X-Cinnamon",
	"mate-session":    "MATE",
	"lxqt-session":    "LXQt",
	"budgie-wm":       "Budgie",
	"enlightenment":   "Enlightenment",
	"pantheon-dock":   "Pantheon",
	"deepin-wm":       "Deepin",
	"gnome-flashback": "GNOME-Flashback",
}

// Probes are the system calls the detector relies on; tests replace them.
type Probes struct {
	// Platform returns the distribution id, family and version.
	Platform func(ctx context.Context) (string, string, string, error)
	// Kernel returns the kernel version.
	Kernel func(ctx context.Context) (string, error)
	// CPU returns processor details.
	CPU func(ctx context.Context) ([]cpu.InfoStat, error)
	// CPUCount returns the number of logical processors.
	CPUCount func(ctx context.Context) (int, error)
	// Memory returns memory statistics.
	Memory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	// Processes lists running processes.
	Processes func() ([]ps.Process, error)
	// Getenv reads environment variables.
	Getenv func(key string) string
	// Runner runs read-only commands such as lspci.
	Runner process.Runner
	// OS is the operating system name.
	OS string
	// Arch is the processor architecture.
	Arch string
}

// DefaultProbes returns the probes backed by the running system.
func DefaultProbes(runner process.Runner) Probes {
	return Probes{
		Platform: host.PlatformInformationWithContext,
		Kernel:   host.KernelVersionWithContext,
		CPU:      cpu.InfoWithContext,
		CPUCount: func(ctx context.Context) (int, error) {
			return cpu.CountsWithContext(ctx, true)
		},
		Memory:    mem.VirtualMemoryWithContext,
		Processes: ps.Processes,
		Getenv:    os.Getenv,
		Runner:    runner,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// detection is a memoized fact value.
type detection struct {
	// value is the detected value.
	value string
	// err is the detection failure.
	err error
}

// Detector computes facts on demand and memoizes them.
type Detector struct {
	// probes are the system calls.
	probes Probes
	// collectors compute each fact.
	collectors map[Fact]func(context.Context) (string, error)

	// mu guards cache.
	mu sync.Mutex
	// cache holds computed facts.
	cache map[Fact]detection
	// platformOnce runs the platform probe once for the three facts it feeds.
	platformOnce sync.Once
	// platform is the memoized platform probe result.
	platform [3]string
	// platformErr is the memoized platform probe failure.
	platformErr error
}

// NewDetector creates a detector over the probes.
func NewDetector(probes Probes) *Detector {
	d := &Detector{
		probes: probes,
		cache:  make(map[Fact]detection),
	}

	d.collectors = map[Fact]func(context.Context) (string, error){
		FactOS:            d.constant(probes.OS),
		FactArch:          d.constant(probes.Arch),
		FactFamily:        d.platformField(1),
		FactDistro:        d.platformField(0),
		FactDistroVersion: d.platformField(2),
		FactKernel:        d.kernel,
		FactDesktop:       d.desktop,
		FactSession:       d.session,
		FactGPU:           d.gpu,
		FactCPU:           d.cpuModel,
		FactCPUCount:      d.cpuCount,
		FactMemoryMB:      d.memory,
	}

	return d
}

// Facts lists every detectable fact in reporting order.
func Facts() []Fact {
	return []Fact{
		FactOS, FactArch, FactFamily, FactDistro, FactDistroVersion, FactKernel,
		FactDesktop, FactSession, FactGPU, FactCPU, FactCPUCount, FactMemoryMB,
	}
}

// Detect returns the fact value, computing it on first use.
// Failures are memoized too, so an expensive probe is never repeated.
func (d *Detector) Detect(ctx context.Context, fact Fact) (string, error) {
	d.mu.Lock()
	cached, ok := d.cache[fact]
	d.mu.Unlock()

	if ok {
		return cached.value, cached.err
	}

	collector, known := d.collectors[fact]
	if !known {
		return "", fmt.Errorf("%w: %q", errUnknownFact, string(fact))
	}

	value, err := collector(ctx)

	d.mu.Lock()
	d.cache[fact] = detection{value: value, err: err}
	d.mu.Unlock()

	if err != nil {
		logger.DebugKV(ctx, "Fact detection failed", "fact", fact, "error", err)
	} else {
		logger.DebugKV(ctx, "Fact detected", "fact", fact, "value", value)
	}

	return value, err
}

// Summary detects every fact and returns the values; failed facts are reported as unknown.
func (d *Detector) Summary(ctx context.Context) map[Fact]string {
	summary := make(map[Fact]string, len(d.collectors))

	for _, fact := range Facts() {
		value, err := d.Detect(ctx, fact)
		if err != nil || value == "" {
			value = Unknown
		}

		summary[fact] = value
	}

	return summary
}

// constant returns a collector for a value known up front.
func (d *Detector) constant(value string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		return value, nil
	}
}

// platformField returns a collector for one field of the platform probe.
func (d *Detector) platformField(index int) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		d.platformOnce.Do(func() {
			if d.probes.Platform == nil {
				d.platformErr = fmt.Errorf("%w: platform probe missing", errUnknownFact)
				return
			}

			platform, family, version, err := d.probes.Platform(ctx)
			d.platform = [3]string{platform, family, version}
			d.platformErr = err
		})

		return d.platform[index], d.platformErr
	}
}

// kernel reports the kernel version.
func (d *Detector) kernel(ctx context.Context) (string, error) {
	if d.probes.Kernel == nil {
		return Unknown, nil
	}

	return d.probes.Kernel(ctx)
}

// desktop reports the desktop environment from XDG variables, then from running processes.
func (d *Detector) desktop(ctx context.Context) (string, error) {
	for _, key := range []string{"XDG_CURRENT_DESKTOP", "XDG_SESSION_DESKTOP", "DESKTOP_SESSION"} {
		if value := strings.TrimSpace(d.getenv(key)); value != "" {
			return value, nil
		}
	}

	if d.probes.Processes == nil {
		return Unknown, nil
	}

	processes, err := d.probes.Processes()
	if err != nil {
		return "", fmt.Errorf("list processes: %w", err)
	}

	for _, p := range processes {
		if name, ok := desktopProcesses[p.Executable()]; ok {
			logger.DebugKV(ctx, "Desktop detected from running process", "process", p.Executable())
			return name, nil
		}
	}

	return Unknown, nil
}

// session reports the display server type.
func (d *Detector) session(context.Context) (string, error) {
	if value := strings.ToLower(strings.TrimSpace(d.getenv("XDG_SESSION_TYPE"))); value != "" {
		return value, nil
	}

	switch {
	case d.getenv("WAYLAND_DISPLAY") != "":
		return "wayland", nil
	case d.getenv("DISPLAY") != "":
		return "x11", nil
	default:
		return SessionTTY, nil
	}
}

// gpu summarizes display controllers reported by lspci.
func (d *Detector) gpu(ctx context.Context) (string, error) {
	if d.probes.Runner == nil {
		return Unknown, nil
	}

	result, err := d.probes.Runner.Run(ctx, process.Command{Name: "lspci"})
	if err != nil {
		return "", fmt.Errorf("list pci devices: %w", err)
	}

	var controllers []string

	for _, line := range strings.Split(string(result.Stdout), "\n") {
		for _, marker := range []string{"VGA compatible controller: ", "3D controller: ", "Display controller: "} {
			if _, name, found := strings.Cut(line, marker); found {
				controllers = append(controllers, strings.TrimSpace(name))
			}
		}
	}

	if len(controllers) == 0 {
		return Unknown, nil
	}

	return strings.Join(controllers, "; "), nil
}

// cpuModel reports the processor model name.
func (d *Detector) cpuModel(ctx context.Context) (string, error) {
	if d.probes.CPU == nil {
		return Unknown, nil
	}

	infos, err := d.probes.CPU(ctx)
	if err != nil {
		return "", err
	}

	if len(infos) == 0 || infos[0].ModelName == "" {
		return Unknown, nil
	}

	return strings.TrimSpace(infos[0].ModelName), nil
}

// cpuCount reports the logical processor count.
func (d *Detector) cpuCount(ctx context.Context) (string, error) {
	if d.probes.CPUCount == nil {
		return strconv.Itoa(runtime.NumCPU()), nil
	}

	count, err := d.probes.CPUCount(ctx)
	if err != nil {
		return "", err
	}

	return strconv.Itoa(count), nil
}

// memory reports total memory in MiB.
func (d *Detector) memory(ctx context.Context) (string, error) {
	if d.probes.Memory == nil {
		return Unknown, nil
	}

	stat, err := d.probes.Memory(ctx)
	if err != nil {
		return "", err
	}

	return strconv.FormatUint(stat.Total/bytesPerMiB, 10), nil
}

// getenv reads a variable through the probe.
func (d *Detector) getenv(key string) string {
	if d.probes.Getenv == nil {
		return ""
	}

	return d.probes.Getenv(key)
}
