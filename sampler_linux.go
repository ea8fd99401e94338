//go:build linux

package tierheap

import "github.com/lukaszgda/tierheap/internal/pebs"

func openHardwareSource(samplePeriod uint64) (pebs.Source, error) {
	return pebs.OpenPerfSource(samplePeriod)
}
