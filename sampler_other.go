//go:build !linux

package tierheap

import (
	"errors"

	"github.com/lukaszgda/tierheap/internal/pebs"
)

func openHardwareSource(uint64) (pebs.Source, error) {
	return nil, errors.New("hardware sampling requires linux perf")
}
