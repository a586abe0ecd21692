package tensor

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes host memory from accelerator memory.
type Kind int

const (
	Host Kind = iota
	Accelerator
)

// Location tags where a tensor's buffer lives. It never affects value equality.
type Location struct {
	Kind    Kind
	Ordinal int
}

var HostLocation = Location{Kind: Host}

// Device returns the location of accelerator ordinal n.
func Device(n int) Location {
	return Location{Kind: Accelerator, Ordinal: n}
}

func (l Location) IsHost() bool {
	return l.Kind == Host
}

func (l Location) String() string {
	if l.Kind == Host {
		return fmt.Sprintf("CPU:%d", l.Ordinal)
	}
	return fmt.Sprintf("XLA:%d", l.Ordinal)
}

// ParseLocation accepts "cpu", "CPU:0", "xla" and "XLA:1".
func ParseLocation(s string) (Location, error) {
	name, ord, found := strings.Cut(strings.TrimSpace(s), ":")
	n := 0
	if found {
		v, err := strconv.Atoi(ord)
		if err != nil || v < 0 {
			return Location{}, fmt.Errorf("invalid device ordinal in %q", s)
		}
		n = v
	}
	switch strings.ToLower(name) {
	case "cpu", "host":
		return Location{Kind: Host, Ordinal: n}, nil
	case "xla", "tpu", "gpu", "device":
		return Device(n), nil
	}
	return Location{}, fmt.Errorf("unknown device %q", s)
}
