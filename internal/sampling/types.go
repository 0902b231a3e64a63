package sampling

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type GPUProcess struct {
	PID       int
	UsedBytes uint64

	// Filled in best-effort by procinfo; empty when the process is gone or
	// not visible to us.
	User        string
	Command     string
	ContainerID string
}

type GPUSnapshot struct {
	Index         int
	UUID          string
	Name          string
	TemperatureC  uint32
	UtilGPU       uint32
	UtilMem       uint32
	MemUsedBytes  uint64
	MemTotalBytes uint64
	Procs         []GPUProcess
}

// Free reports whether no process is attached to the GPU.
func (g GPUSnapshot) Free() bool { return len(g.Procs) == 0 }

// String renders the GPU as a single report line, e.g.
//
//	[0] NVIDIA A100-SXM4-40GB | 34°C,   0 % | 1.0 MiB / 40 GiB | alice:python/4242(2.0 GiB)
func (g GPUSnapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s | %2d°C, %3d %% | %s / %s |",
		g.Index, g.Name, g.TemperatureC, g.UtilGPU,
		humanize.IBytes(g.MemUsedBytes), humanize.IBytes(g.MemTotalBytes))
	for _, p := range g.Procs {
		b.WriteByte(' ')
		b.WriteString(p.String())
	}
	return b.String()
}

func (p GPUProcess) String() string {
	var b strings.Builder
	if p.User != "" {
		b.WriteString(p.User)
		b.WriteByte(':')
	}
	if p.Command != "" {
		b.WriteString(p.Command)
	}
	if p.ContainerID != "" {
		id := p.ContainerID
		if len(id) > 12 {
			id = id[:12]
		}
		b.WriteString("[" + id + "]")
	}
	if p.Command != "" || p.ContainerID != "" {
		b.WriteByte('/')
	}
	fmt.Fprintf(&b, "%d(%s)", p.PID, humanize.IBytes(p.UsedBytes))
	return b.String()
}

type Snapshot struct {
	QueriedAt time.Time
	GPUs      []GPUSnapshot
}

// Available returns the GPUs without attached processes, in snapshot order.
func (s Snapshot) Available() []GPUSnapshot {
	out := make([]GPUSnapshot, 0, len(s.GPUs))
	for _, g := range s.GPUs {
		if g.Free() {
			out = append(out, g)
		}
	}
	return out
}

func (s Snapshot) AvailableIndices() []int {
	avail := s.Available()
	out := make([]int, 0, len(avail))
	for _, g := range avail {
		out = append(out, g.Index)
	}
	return out
}

// String renders one line per GPU.
func (s Snapshot) String() string {
	lines := make([]string, 0, len(s.GPUs))
	for _, g := range s.GPUs {
		lines = append(lines, g.String())
	}
	return strings.Join(lines, "\n")
}
