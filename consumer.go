package tierheap

import (
	"errors"
	"time"

	"github.com/lukaszgda/tierheap/internal/registry"
)

// Consumer pacing. Events apply in batches; the controller reruns every
// controlTicks loop iterations or controlEvents applied events, whichever
// comes first.
const (
	consumerBatch = 64
	controlTicks  = 16
	controlEvents = 1024

	consumerIdleSleep = 200 * time.Microsecond
)

// consumeLoop is the single writer of the registry, the ranking and the
// threshold. It drains the event ring, applies each record, and periodically
// closes the control loop.
func (m *Memory) consumeLoop() {
	defer close(m.done)

	ticks := 0
	eventsSinceControl := 0

	for {
		select {
		case <-m.stop:
			// Drain what the producers managed to enqueue, then leave.
			for {
				ev, ok := m.ring.Pop()
				if !ok {
					break
				}

				m.apply(ev)
			}

			m.controlTick()

			return
		default:
		}

		applied := 0

		for applied < consumerBatch {
			ev, ok := m.ring.Pop()
			if !ok {
				break
			}

			m.apply(ev)

			applied++
		}

		ticks++
		eventsSinceControl += applied

		if ticks >= controlTicks || eventsSinceControl >= controlEvents {
			m.controlTick()

			ticks = 0
			eventsSinceControl = 0
		}

		if applied == 0 {
			time.Sleep(consumerIdleSleep)
		}
	}
}

// controlTick recomputes the observed hot share, runs the controller and
// republishes the hot threshold.
func (m *Memory) controlTick() {
	m.cnt.flushAll(len(m.tiers))

	observed := m.cnt.actual()
	adjusted := m.ctrl.Adjust(observed)
	m.rank.HotThresholdForRatio(adjusted)

	if m.metrics != nil {
		m.metrics.updateTierBytes()
	}
}

// apply dispatches one event. A corrupt or unexpected event never aborts
// the consumer: it is logged and dropped.
func (m *Memory) apply(ev event) {
	switch ev.kind {
	case evCreateAdd:
		m.applyCreate(ev)
	case evDestroyRemove:
		m.applyDestroy(ev)
	case evRealloc:
		m.applyRealloc(ev)
	case evTouch:
		m.applyTouch(ev)
	case evSetTouchCB:
		m.applySetTouchCB(ev)
	case evTouchAll:
		m.applyTouchAll(ev)
	default:
		m.warn("msg", "dropping corrupt event", "kind", int(ev.kind))
	}
}

func (m *Memory) applyCreate(ev event) {
	typeIdx, _, err := m.reg.Register(ev.hash, ev.addr, ev.size)
	if err != nil {
		// Exhausted tables degrade: the block stays untracked and later
		// lookups answer NOT_FOUND.
		m.warn("msg", "register failed", "addr", ev.addr, "err", err)

		return
	}

	t := m.reg.TypeAt(typeIdx)

	if t.InRanking {
		err = m.rank.UpdateWeight(t, typeIdx)
	} else {
		err = m.rank.Add(t, typeIdx)
	}

	if err != nil {
		m.warn("msg", "ranking add failed", "type", typeIdx, "err", err)
	}
}

func (m *Memory) applyDestroy(ev event) {
	typeIdx, _, err := m.reg.Unregister(ev.addr)
	if err != nil {
		if !errors.Is(err, registry.ErrUnknownBlock) {
			m.warn("msg", "unregister failed", "addr", ev.addr, "err", err)

			return
		}

		// Unknown block: the matching CREATE was dropped on a full ring.
		m.warn("msg", "destroy for unknown block", "addr", ev.addr)

		return
	}

	t := m.reg.TypeAt(typeIdx)

	if err := m.rank.UpdateWeight(t, typeIdx); err != nil {
		m.warn("msg", "ranking reweigh failed", "type", typeIdx, "err", err)
	}
}

func (m *Memory) applyRealloc(ev event) {
	typeIdx, err := m.reg.Realloc(ev.addr, ev.newAddr, ev.newSize)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownBlock) {
			m.warn("msg", "realloc for unknown block", "addr", ev.addr)
		} else {
			m.warn("msg", "realloc failed", "addr", ev.addr, "err", err)
		}

		return
	}

	t := m.reg.TypeAt(typeIdx)

	if err := m.rank.UpdateWeight(t, typeIdx); err != nil {
		m.warn("msg", "ranking reweigh failed", "type", typeIdx, "err", err)
	}
}

func (m *Memory) applyTouch(ev event) {
	_, typeIdx, ok := m.reg.HotnessOfAddr(ev.addr)
	if !ok {
		// Sampled address outside any tracked block; common for stack and
		// runtime traffic, not worth a log line.
		return
	}

	m.touchType(typeIdx, ev.timestamp, 1)
}

func (m *Memory) touchType(typeIdx uint32, ts uint64, hotness float64) {
	t := m.reg.TypeAt(typeIdx)

	if err := m.rank.Touch(t, typeIdx, ts, hotness); err != nil {
		m.warn("msg", "touch failed", "type", typeIdx, "err", err)

		return
	}

	if t.State() == registry.HotnessHot {
		if cb, ok := m.touchCbs[typeIdx]; ok {
			cb.fn(cb.arg)
		}
	}
}

func (m *Memory) applySetTouchCB(ev event) {
	_, typeIdx, ok := m.reg.HotnessOfAddr(ev.addr)
	if !ok {
		m.warn("msg", "touch callback for unknown block", "addr", ev.addr)

		return
	}

	m.touchCbs[typeIdx] = touchCb{fn: ev.cb, arg: ev.cbArg}
}

func (m *Memory) applyTouchAll(ev event) {
	m.reg.ForEachType(func(idx uint32, t *registry.Type) bool {
		if t.InRanking {
			m.touchType(idx, ev.timestamp, ev.hotness)
		}

		return true
	})
}
