package reconciler

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"
)

// MemoryGauge reports the current memory footprint in bytes.
type MemoryGauge interface {
	Usage(ctx context.Context) (uint64, error)
}

// ProcessMemory samples the resident set size of the running process.
type ProcessMemory struct {
	p *process.Process
}

func NewProcessMemory() (*ProcessMemory, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrap(err, "open self process")
	}
	return &ProcessMemory{p: p}, nil
}

func (m *ProcessMemory) Usage(ctx context.Context) (uint64, error) {
	info, err := m.p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "read process memory")
	}
	return info.RSS, nil
}

type memoryFunc func(ctx context.Context) (uint64, error)

func (f memoryFunc) Usage(ctx context.Context) (uint64, error) { return f(ctx) }
