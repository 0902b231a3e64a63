package nvmlwrap

import (
	"context"
	"fmt"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"go.uber.org/zap"

	"require-gpu/internal/sampling"
)

// Client implements sampling via NVML (go-nvml cgo bindings).
type Client struct {
	initialized bool
	log         *zap.Logger
}

func New(log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{log: log}
}

func (c *Client) Init() error {
	if c.initialized {
		return nil
	}
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("nvml init failed: %s", nvml.ErrorString(ret))
	}
	c.initialized = true
	return nil
}

func (c *Client) Shutdown() {
	if !c.initialized {
		return
	}
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		c.log.Warn("nvml shutdown failed", zap.String("error", nvml.ErrorString(ret)))
	}
	c.initialized = false
}

func (c *Client) Name() string { return "nvml" }

func (c *Client) Close() error {
	c.Shutdown()
	return nil
}

func (c *Client) Sample(ctx context.Context) (sampling.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return sampling.Snapshot{}, err
	}
	if err := c.Init(); err != nil {
		return sampling.Snapshot{}, err
	}

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return sampling.Snapshot{}, fmt.Errorf("nvml device get count failed: %s", nvml.ErrorString(ret))
	}

	snap := sampling.Snapshot{QueriedAt: time.Now(), GPUs: make([]sampling.GPUSnapshot, 0, count)}
	for i := 0; i < count; i++ {
		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return sampling.Snapshot{}, fmt.Errorf("nvml get handle index=%d failed: %s", i, nvml.ErrorString(ret))
		}

		name, _ := dev.GetName()
		uuid, _ := dev.GetUUID()
		temp, _ := dev.GetTemperature(nvml.TEMPERATURE_GPU)
		util, _ := dev.GetUtilizationRates()
		memInfo, _ := dev.GetMemoryInfo()

		procs, err := runningProcesses(dev)
		if err != nil {
			return sampling.Snapshot{}, fmt.Errorf("nvml processes index=%d: %w", i, err)
		}

		snap.GPUs = append(snap.GPUs, sampling.GPUSnapshot{
			Index:         i,
			UUID:          uuid,
			Name:          name,
			TemperatureC:  temp,
			UtilGPU:       util.Gpu,
			UtilMem:       util.Memory,
			MemUsedBytes:  memInfo.Used,
			MemTotalBytes: memInfo.Total,
			Procs:         procs,
		})
	}

	c.log.Debug("nvml sample", zap.Int("gpus", len(snap.GPUs)))
	return snap, nil
}

// runningProcesses merges compute and graphics processes. A process that
// holds both contexts is listed once.
func runningProcesses(dev nvml.Device) ([]sampling.GPUProcess, error) {
	compute, ret := dev.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS && ret != nvml.ERROR_NOT_SUPPORTED {
		return nil, fmt.Errorf("compute processes: %s", nvml.ErrorString(ret))
	}
	graphics, ret := dev.GetGraphicsRunningProcesses()
	if ret != nvml.SUCCESS && ret != nvml.ERROR_NOT_SUPPORTED {
		return nil, fmt.Errorf("graphics processes: %s", nvml.ErrorString(ret))
	}

	seen := map[uint32]struct{}{}
	out := make([]sampling.GPUProcess, 0, len(compute)+len(graphics))
	for _, list := range [][]nvml.ProcessInfo{compute, graphics} {
		for _, p := range list {
			if _, dup := seen[p.Pid]; dup {
				continue
			}
			seen[p.Pid] = struct{}{}
			out = append(out, sampling.GPUProcess{PID: int(p.Pid), UsedBytes: p.UsedGpuMemory})
		}
	}
	return out, nil
}
