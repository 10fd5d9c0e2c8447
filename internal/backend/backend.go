// Package backend holds process-wide compute setup.
package backend

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
	Auto = "auto"
)

var (
	initOnce sync.Once
	ready    atomic.Bool
	numaMode atomic.Bool
)

// Init prepares the compute backend. Only the first call has an effect;
// later calls, including concurrent ones, return once it has finished.
func Init(numa bool) {
	initOnce.Do(func() {
		numaMode.Store(numa && numaNodes() > 1)
		ready.Store(true)
	})
}

// Initialized reports whether Init has run.
func Initialized() bool { return ready.Load() }

// NUMA reports whether NUMA-aware placement was requested and more than one
// node is present.
func NUMA() bool { return numaMode.Load() }

// Normalize maps a device flag to a backend name.
func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	switch backend {
	case "", Auto, CPU:
		return CPU, nil
	case CUDA:
		return "", fmt.Errorf("cuda backend not available in this build")
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto or cpu)", backend)
	}
}

// MaxDevices is the number of compute devices a model can be split across.
func MaxDevices() int { return 1 }

// MmapSupported reports whether model files can be memory mapped.
func MmapSupported() bool { return mmapSupported }

// MlockSupported reports whether mapped model files can be locked in RAM.
func MlockSupported() bool { return mlockSupported() }

// SystemInfo describes the host features relevant to inference.
func SystemInfo() string {
	feats := []struct {
		name string
		ok   bool
	}{
		{"AVX", cpu.X86.HasAVX},
		{"AVX2", cpu.X86.HasAVX2},
		{"AVX512F", cpu.X86.HasAVX512F},
		{"FMA", cpu.X86.HasFMA},
		{"NEON", cpu.ARM64.HasASIMD},
		{"SVE", cpu.ARM64.HasSVE},
		{"MMAP", MmapSupported()},
		{"MLOCK", MlockSupported()},
		{"NUMA", NUMA()},
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s | CPUS = %d |", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	for _, f := range feats {
		v := 0
		if f.ok {
			v = 1
		}
		fmt.Fprintf(&b, " %s = %d |", f.name, v)
	}
	return b.String()
}
