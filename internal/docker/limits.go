package docker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"
)

// ParseCPU converts "1000m" or "1.5" into Docker NanoCPUs.
func ParseCPU(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	if milli, ok := strings.CutSuffix(value, "m"); ok {
		n, err := strconv.ParseInt(milli, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid cpu limit %q", value)
		}
		return n * 1_000_000, nil
	}
	cores, err := strconv.ParseFloat(value, 64)
	if err != nil || cores < 0 {
		return 0, fmt.Errorf("invalid cpu limit %q", value)
	}
	return int64(cores * 1e9), nil
}

// ParseMemory converts sizes such as "512Mi", "512m" or "1g" into bytes.
func ParseMemory(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	bytes, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", value, err)
	}
	return bytes, nil
}

// ParseResources builds container resource limits from cpu and memory strings.
func ParseResources(cpu, memory string) (container.Resources, error) {
	nano, err := ParseCPU(cpu)
	if err != nil {
		return container.Resources{}, err
	}
	mem, err := ParseMemory(memory)
	if err != nil {
		return container.Resources{}, err
	}
	return container.Resources{NanoCPUs: nano, Memory: mem}, nil
}
