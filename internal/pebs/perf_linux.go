//go:build linux

package pebs

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// dataPages is the sample ring size in pages, kernel metadata page excluded.
// Must be a power of two.
const dataPages = 8

// precise_ip = 2: the kernel pins the sampled address to the instruction
// (PEBS "requested to have 0 skid").
const preciseIPZeroSkid = 2 << 15

// PerfSource samples LLC-miss retired loads of the current process through
// the kernel perf interface.
type PerfSource struct {
	fd   int
	ring []byte
	meta *unix.PerfEventMmapPage

	lastTail uint64
}

// OpenPerfSource opens the sampling channel with the given sample period.
func OpenPerfSource(samplePeriod uint64) (*PerfSource, error) {
	attr := unix.PerfEventAttr{
		Type: unix.PERF_TYPE_HW_CACHE,
		Config: unix.PERF_COUNT_HW_CACHE_LL |
			unix.PERF_COUNT_HW_CACHE_OP_READ<<8 |
			unix.PERF_COUNT_HW_CACHE_RESULT_MISS<<16,
		Sample:      samplePeriod,
		Sample_type: unix.PERF_SAMPLE_ADDR | unix.PERF_SAMPLE_TIME,
		Bits: unix.PerfBitDisabled | unix.PerfBitPinned |
			unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv |
			preciseIPZeroSkid,
		Wakeup: 1,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))

	fd, err := unix.PerfEventOpen(&attr, 0, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("pebs: perf_event_open: %w", err)
	}

	pageSize := unix.Getpagesize()

	ring, err := unix.Mmap(fd, 0, (1+dataPages)*pageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("pebs: map sample ring: %w", err)
	}

	s := &PerfSource{
		fd:   fd,
		ring: ring,
		meta: (*unix.PerfEventMmapPage)(unsafe.Pointer(&ring[0])),
	}

	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		_ = s.Close()

		return nil, fmt.Errorf("pebs: reset: %w", err)
	}

	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		_ = s.Close()

		return nil, fmt.Errorf("pebs: enable: %w", err)
	}

	return s, nil
}

// perf_event_header, wire layout.
type recordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

const recordHeaderSize = 8

// perf ABI record type for samples.
const perfRecordSample = 9

// Poll implements Source. Records between the previous and the current
// data_head are decoded; the kernel overwrites unread records on overrun and
// those samples are lost silently.
func (s *PerfSource) Poll(fn func(Sample)) error {
	// data_head is advanced by the kernel; acquire pairs with its store.
	head := atomic.LoadUint64(&s.meta.Data_head)

	dataSize := uint64(len(s.ring) - unix.Getpagesize())
	dataOff := uint64(unix.Getpagesize())

	if head-s.lastTail > dataSize {
		// Overrun: everything between tail and the oldest intact record is
		// gone. Resynchronize to the newest full ring.
		s.lastTail = head - dataSize
	}

	for tail := s.lastTail; tail < head; {
		var hdr recordHeader

		s.copyOut(unsafe.Slice((*byte)(unsafe.Pointer(&hdr)), recordHeaderSize),
			dataOff, dataSize, tail)

		if hdr.Size < recordHeaderSize {
			break // malformed; drop the rest of this batch
		}

		if hdr.Type == perfRecordSample && hdr.Size >= recordHeaderSize+16 {
			var payload [16]byte

			s.copyOut(payload[:], dataOff, dataSize, tail+recordHeaderSize)

			// PERF_SAMPLE_TIME precedes PERF_SAMPLE_ADDR in the sample
			// layout.
			fn(Sample{
				Timestamp: binary.LittleEndian.Uint64(payload[0:8]),
				Addr:      binary.LittleEndian.Uint64(payload[8:16]),
			})
		}

		tail += uint64(hdr.Size)
		s.lastTail = tail
	}

	s.lastTail = head

	// Release data_tail so the kernel may reuse the space.
	atomic.StoreUint64(&s.meta.Data_tail, head)

	return nil
}

// copyOut reads n bytes from the circular data area starting at absolute
// stream position pos.
func (s *PerfSource) copyOut(dst []byte, dataOff, dataSize, pos uint64) {
	start := pos % dataSize

	n := uint64(len(dst))
	if start+n <= dataSize {
		copy(dst, s.ring[dataOff+start:dataOff+start+n])

		return
	}

	first := dataSize - start
	copy(dst[:first], s.ring[dataOff+start:dataOff+dataSize])
	copy(dst[first:], s.ring[dataOff:dataOff+n-first])
}

// Close implements Source.
func (s *PerfSource) Close() error {
	_ = unix.IoctlSetInt(s.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
	_ = unix.Munmap(s.ring)

	return unix.Close(s.fd)
}
