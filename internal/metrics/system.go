package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// SystemCollector periodically checks the disk holding the data directory
// and, once SampleSystem is called, samples CPU and memory. The disk check
// doubles as the node's storage health check: when the directory cannot be
// stat'ed or is fuller than maxUsed percent, the collector reports the disk
// unhealthy.
type SystemCollector struct {
	m        *Metrics
	diskPath string
	interval time.Duration
	sample   time.Duration // CPU and memory; 0 disables
	maxUsed  float64
	logger   *zap.Logger

	usage    func(path string) (float64, error)
	onChange func(healthy bool, reason error)
	healthy  atomic.Bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSystemCollector creates a new collector. diskPath should be the WAL
// directory.
func NewSystemCollector(m *Metrics, diskPath string, interval time.Duration, maxUsed float64, logger *zap.Logger) *SystemCollector {
	sc := &SystemCollector{
		m:        m,
		diskPath: diskPath,
		interval: interval,
		maxUsed:  maxUsed,
		logger:   logger.Named("system_collector"),
		usage: func(path string) (float64, error) {
			du, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return du.UsedPercent, nil
		},
		stopChan: make(chan struct{}),
	}
	sc.healthy.Store(true)
	m.DiskOK.Set(1)
	return sc
}

// OnDiskHealthChange registers a callback for disk health transitions. It
// runs on the collector goroutine.
func (sc *SystemCollector) OnDiskHealthChange(fn func(healthy bool, reason error)) {
	sc.onChange = fn
}

// SetUsageFunc replaces the disk usage check.
func (sc *SystemCollector) SetUsageFunc(fn func(path string) (float64, error)) {
	sc.usage = fn
}

// SampleSystem turns on CPU and memory sampling every interval. Call it
// before Start.
func (sc *SystemCollector) SampleSystem(interval time.Duration) {
	sc.sample = interval
}

// DiskHealthy reports the outcome of the latest disk check.
func (sc *SystemCollector) DiskHealthy() bool {
	return sc.healthy.Load()
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector",
		zap.Duration("disk_interval", sc.interval),
		zap.Duration("system_interval", sc.sample))
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	var sampleC <-chan time.Time
	if sc.sample > 0 {
		sampler := time.NewTicker(sc.sample)
		defer sampler.Stop()
		sampleC = sampler.C
		sc.sampleSystem()
	}

	sc.CheckDisk()
	for {
		select {
		case <-ticker.C:
			sc.CheckDisk()
		case <-sampleC:
			sc.sampleSystem()
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *SystemCollector) sampleSystem() {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		sc.m.CPUUsage.Set(pcts[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sc.m.MemUsage.Set(vm.UsedPercent)
	}
}

// CheckDisk checks the disk once, updates the gauges and fires the
// callback if health changed. It returns the reason the disk is unhealthy.
func (sc *SystemCollector) CheckDisk() error {
	used, err := sc.usage(sc.diskPath)
	if err == nil {
		sc.m.DiskUsage.Set(used)
		if sc.maxUsed > 0 && used > sc.maxUsed {
			err = fmt.Errorf("disk %s is %.1f%% full (limit %.1f%%)", sc.diskPath, used, sc.maxUsed)
		}
	}

	healthy := err == nil
	if sc.healthy.Swap(healthy) != healthy {
		if healthy {
			sc.m.DiskOK.Set(1)
			sc.logger.Info("disk healthy again", zap.String("path", sc.diskPath))
		} else {
			sc.m.DiskOK.Set(0)
			sc.logger.Error("disk unhealthy", zap.String("path", sc.diskPath), zap.Error(err))
		}
		if sc.onChange != nil {
			sc.onChange(healthy, err)
		}
	}
	return err
}
