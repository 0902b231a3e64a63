package smi

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gpuCSV = `0, GPU-aaa, NVIDIA A100-SXM4-40GB, 31, 0, 0, 1, 40960
1, GPU-bbb, NVIDIA A100-SXM4-40GB, 45, 97, 60, 30000, 40960
`

// fakeSMI writes a shell script standing in for nvidia-smi.
func fakeSMI(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "nvidia-smi")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestParseGPUs(t *testing.T) {
	gpus := parseGPUs([]byte(gpuCSV + "garbage line\n"))

	require.Len(t, gpus, 2)
	assert.Equal(t, 0, gpus[0].Index)
	assert.Equal(t, "GPU-aaa", gpus[0].UUID)
	assert.Equal(t, "NVIDIA A100-SXM4-40GB", gpus[0].Name)
	assert.Equal(t, uint32(31), gpus[0].TemperatureC)
	assert.Equal(t, uint64(40960)*1024*1024, gpus[0].MemTotalBytes)
	assert.Equal(t, uint32(97), gpus[1].UtilGPU)
}

func TestParseProcsKeepsUnknownMemory(t *testing.T) {
	rows := parseProcs([]byte("GPU-bbb, 4242, 29000\nGPU-aaa, 77, [N/A]\n"))

	require.Len(t, rows, 2)
	assert.Equal(t, procRow{GPUUUID: "GPU-bbb", PID: 4242, UsedBytes: 29000 * 1024 * 1024}, rows[0])
	assert.Equal(t, 77, rows[1].PID)
	assert.Zero(t, rows[1].UsedBytes)
}

func TestSampleAssociatesProcesses(t *testing.T) {
	bin := fakeSMI(t, `case "$1" in
--query-gpu=*) cat <<'CSV'
`+gpuCSV+`CSV
;;
--query-compute-apps=*) echo "GPU-bbb, 4242, 29000" ;;
esac
`)
	s := New(bin, nil)

	snap, err := s.Sample(context.Background())

	require.NoError(t, err)
	require.Len(t, snap.GPUs, 2)
	assert.Empty(t, snap.GPUs[0].Procs)
	require.Len(t, snap.GPUs[1].Procs, 1)
	assert.Equal(t, 4242, snap.GPUs[1].Procs[0].PID)
	assert.Equal(t, []int{0}, snap.AvailableIndices())
}

func TestSampleNoRunningProcesses(t *testing.T) {
	bin := fakeSMI(t, `case "$1" in
--query-gpu=*) echo "0, GPU-aaa, Tesla T4, 40, 0, 0, 0, 15360" ;;
*) echo "No running processes found" >&2; exit 6 ;;
esac
`)

	snap, err := New(bin, nil).Sample(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []int{0}, snap.AvailableIndices())
}

func TestSampleFailureIsReturned(t *testing.T) {
	bin := fakeSMI(t, `echo "NVIDIA-SMI has failed" >&2; exit 9`)

	_, err := New(bin, nil).Sample(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "NVIDIA-SMI has failed")
}

func TestNewDefaultsBinary(t *testing.T) {
	s := New("  ", nil)
	assert.Equal(t, "nvidia-smi", s.BinaryPath)
	assert.Equal(t, "nvidia-smi", s.Name())
}
