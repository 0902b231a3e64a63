package smi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"require-gpu/internal/sampling"
)

type Sampler struct {
	BinaryPath string
	Timeout    time.Duration

	log *zap.Logger
}

func New(binaryPath string, log *zap.Logger) *Sampler {
	if strings.TrimSpace(binaryPath) == "" {
		binaryPath = "nvidia-smi"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sampler{BinaryPath: binaryPath, Timeout: 5 * time.Second, log: log}
}

func (s *Sampler) Name() string { return "nvidia-smi" }

func (s *Sampler) Close() error { return nil }

func (s *Sampler) Sample(ctx context.Context) (sampling.Snapshot, error) {
	gpus, err := s.queryGPUs(ctx)
	if err != nil {
		return sampling.Snapshot{}, err
	}

	// Index GPUs by UUID for process association.
	byUUID := map[string]*sampling.GPUSnapshot{}
	for i := range gpus {
		if gpus[i].UUID != "" {
			byUUID[gpus[i].UUID] = &gpus[i]
		}
	}

	procs, err := s.queryComputeProcs(ctx)
	if err != nil {
		// nvidia-smi returns non-zero when no compute apps; treat as empty.
		if !errors.Is(err, errNoResults) {
			return sampling.Snapshot{}, err
		}
		procs = nil
	}

	for _, p := range procs {
		gpu := byUUID[p.GPUUUID]
		if gpu == nil {
			s.log.Debug("process on unknown gpu", zap.String("uuid", p.GPUUUID), zap.Int("pid", p.PID))
			continue
		}
		gpu.Procs = append(gpu.Procs, sampling.GPUProcess{PID: p.PID, UsedBytes: p.UsedBytes})
	}

	s.log.Debug("nvidia-smi sample", zap.Int("gpus", len(gpus)), zap.Int("procs", len(procs)))
	return sampling.Snapshot{QueriedAt: time.Now(), GPUs: gpus}, nil
}

type procRow struct {
	GPUUUID   string
	PID       int
	UsedBytes uint64
}

var errNoResults = errors.New("nvidia-smi no results")

func (s *Sampler) run(ctx context.Context, args ...string) ([]byte, error) {
	qctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(qctx, s.BinaryPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		se := strings.TrimSpace(stderr.String())
		// Some versions print "No running processes found" on stderr and exit non-zero.
		if strings.Contains(strings.ToLower(se), "no running") {
			return nil, errNoResults
		}
		return nil, fmt.Errorf("nvidia-smi failed: %w: %s", err, se)
	}
	return out, nil
}

func (s *Sampler) queryGPUs(ctx context.Context) ([]sampling.GPUSnapshot, error) {
	out, err := s.run(ctx,
		"--query-gpu=index,uuid,name,temperature.gpu,utilization.gpu,utilization.memory,memory.used,memory.total",
		"--format=csv,noheader,nounits",
	)
	if err != nil {
		return nil, err
	}
	return parseGPUs(out), nil
}

func parseGPUs(out []byte) []sampling.GPUSnapshot {
	lines := readCSVLines(out)
	gpus := make([]sampling.GPUSnapshot, 0, len(lines))
	for _, cols := range lines {
		if len(cols) < 8 {
			continue
		}
		idx, err := strconv.Atoi(cols[0])
		if err != nil {
			continue
		}
		temp, _ := strconv.Atoi(cols[3])
		utilGPU, _ := strconv.Atoi(cols[4])
		utilMem, _ := strconv.Atoi(cols[5])
		memUsedMiB, _ := strconv.ParseUint(cols[6], 10, 64)
		memTotalMiB, _ := strconv.ParseUint(cols[7], 10, 64)

		gpus = append(gpus, sampling.GPUSnapshot{
			Index:         idx,
			UUID:          cols[1],
			Name:          cols[2],
			TemperatureC:  uint32(temp),
			UtilGPU:       uint32(utilGPU),
			UtilMem:       uint32(utilMem),
			MemUsedBytes:  memUsedMiB * 1024 * 1024,
			MemTotalBytes: memTotalMiB * 1024 * 1024,
		})
	}
	return gpus
}

func (s *Sampler) queryComputeProcs(ctx context.Context) ([]procRow, error) {
	out, err := s.run(ctx,
		"--query-compute-apps=gpu_uuid,pid,used_gpu_memory",
		"--format=csv,noheader,nounits",
	)
	if err != nil {
		return nil, err
	}
	return parseProcs(out), nil
}

func parseProcs(out []byte) []procRow {
	lines := readCSVLines(out)
	rows := make([]procRow, 0, len(lines))
	for _, cols := range lines {
		if len(cols) < 3 {
			continue
		}
		pid, err := strconv.Atoi(cols[1])
		if err != nil {
			continue
		}
		// used_gpu_memory is "[N/A]" on some drivers; the process still counts.
		memMiB, _ := strconv.ParseUint(cols[2], 10, 64)
		rows = append(rows, procRow{GPUUUID: cols[0], PID: pid, UsedBytes: memMiB * 1024 * 1024})
	}
	return rows
}

func readCSVLines(b []byte) [][]string {
	scanner := bufio.NewScanner(bytes.NewReader(b))
	out := [][]string{}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cols := strings.Split(line, ",")
		for i := range cols {
			cols[i] = strings.TrimSpace(cols[i])
		}
		out = append(out, cols)
	}
	return out
}
