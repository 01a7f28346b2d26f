package callbacks

import (
	"errors"
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/tsawler/leafnet/training"
)

// ResourceSample is one reading of the training process footprint
type ResourceSample struct {
	Epoch         int
	RSSMB         float64 // resident set size
	MemoryPercent float64 // RSS as a share of system memory
	CPUPercent    float64 // process CPU, normalised by logical core count
	Threads       int32
}

// ResourceMonitor logs the memory and CPU use of the process at the end of
// every epoch
type ResourceMonitor struct {
	pid     int32
	samples []ResourceSample
}

// NewResourceMonitor samples the current process
func NewResourceMonitor() *ResourceMonitor {
	return &ResourceMonitor{pid: int32(os.Getpid())}
}

// Samples returns every reading taken so far
func (rm *ResourceMonitor) Samples() []ResourceSample {
	return append([]ResourceSample(nil), rm.samples...)
}

// Sample reads the process statistics. Partial readings are returned
// together with the joined errors of the readings that failed.
func (rm *ResourceMonitor) Sample() (ResourceSample, error) {
	var s ResourceSample
	var errs []error

	proc := process.Process{Pid: rm.pid}
	procMem, err := proc.MemoryInfo()
	if err != nil {
		errs = append(errs, err)
	} else {
		s.RSSMB = float64(procMem.RSS) / 1024 / 1024
		if virtualMem, err := mem.VirtualMemory(); err != nil {
			errs = append(errs, err)
		} else if virtualMem.Total > 0 {
			s.MemoryPercent = float64(procMem.RSS) / float64(virtualMem.Total) * 100
		}
	}

	procCPU, err := proc.CPUPercent()
	if err != nil {
		errs = append(errs, err)
	} else if cpuCount, err := cpu.Counts(true); err == nil && cpuCount > 0 {
		s.CPUPercent = procCPU / float64(cpuCount)
	} else {
		s.CPUPercent = procCPU
	}

	if threads, err := proc.NumThreads(); err != nil {
		errs = append(errs, err)
	} else {
		s.Threads = threads
	}
	return s, errors.Join(errs...)
}

func (rm *ResourceMonitor) OnEpochEnd(t *training.Tesseract, _ float64) error {
	s, err := rm.Sample()
	s.Epoch = t.Epoch()
	rm.samples = append(rm.samples, s)
	if err != nil {
		// sampling is best effort and never fails the run
		t.Logger().Debug("Resource sampling incomplete", "err", err)
	}
	t.Logger().Info("Resources",
		"epoch", s.Epoch,
		"rss_mb", int(s.RSSMB),
		"mem_percent", round1(s.MemoryPercent),
		"cpu_percent", round1(s.CPUPercent),
		"threads", s.Threads)
	return nil
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
