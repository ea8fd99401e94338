package tierheap

import "github.com/lukaszgda/tierheap/internal/registry"

// Hotness is the public classification of an allocation site.
type Hotness int

const (
	// HotnessNotFound marks an unknown fingerprint or address.
	HotnessNotFound Hotness = iota - 1

	// HotnessUninit marks a site that has never been touched.
	HotnessUninit

	// HotnessInsufficientData marks a site inside its first measurement
	// window.
	HotnessInsufficientData

	// HotnessCold marks a site below the hot threshold.
	HotnessCold

	// HotnessHot marks a site at or above the hot threshold.
	HotnessHot
)

func (h Hotness) String() string {
	switch h {
	case HotnessNotFound:
		return "not-found"
	case HotnessUninit:
		return "uninit"
	case HotnessInsufficientData:
		return "insufficient-data"
	case HotnessCold:
		return "cold"
	case HotnessHot:
		return "hot"
	}

	return "unknown"
}

func hotnessFrom(h registry.Hotness) Hotness {
	switch h {
	case registry.HotnessUninit:
		return HotnessUninit
	case registry.HotnessInsufficientData:
		return HotnessInsufficientData
	case registry.HotnessCold:
		return HotnessCold
	case registry.HotnessHot:
		return HotnessHot
	}

	return HotnessNotFound
}
