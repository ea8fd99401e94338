package tierheap

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lukaszgda/tierheap/internal/pebs"
	"github.com/lukaszgda/tierheap/internal/ranking"
	"github.com/lukaszgda/tierheap/internal/registry"
	"github.com/lukaszgda/tierheap/pkg/eventring"
)

// Policy selects the placement strategy.
type Policy int

const (
	// PolicyStaticRatio keeps tier byte usage near the configured ratio
	// weights.
	PolicyStaticRatio Policy = iota

	// PolicyDynamicThreshold routes by allocation size against thresholds
	// that adapt to the observed tier ratio.
	PolicyDynamicThreshold

	// PolicyDataHotness classifies allocation sites by sampled access
	// frequency.
	PolicyDataHotness
)

func (p Policy) String() string {
	switch p {
	case PolicyStaticRatio:
		return "static_ratio"
	case PolicyDynamicThreshold:
		return "dynamic_threshold"
	case PolicyDataHotness:
		return "data_hotness"
	}

	return fmt.Sprintf("policy(%d)", int(p))
}

// Dynamic-threshold tuning defaults: a threshold moves by degree when the
// observed ratio drifts past trigger, checked every checkCnt operations.
const (
	thresholdTrigger  = 0.02
	thresholdDegree   = 0.15
	thresholdCheckCnt = 20
	thresholdStep     = 1024
)

// DefaultRingCapacity sizes the observation event ring.
const DefaultRingCapacity = 4096

// DefaultControllerGain is the proportional gain of the threshold
// controller.
const DefaultControllerGain = 1.0

type tierCfg struct {
	kind  Kind
	ratio float64 // raw ratio weight as added
	norm  float64 // cfg[0].ratio / cfg[i].ratio, for static balancing
}

// thresholdBounds is the builder-side description of one size boundary.
type thresholdBounds struct {
	min, val, max uint64
}

// Builder accumulates tiers and options for one Memory.
type Builder struct {
	policy Policy
	tiers  []tierCfg
	thres  []thresholdBounds

	logger       log.Logger
	metricsReg   prometheus.Registerer
	sampleSource pebs.Source
	envLookup    func(string) string
	ringCapacity int
	lockedRing   bool
	gain         float64
	integralGain float64
}

// NewBuilder creates a builder for the given policy.
func NewBuilder(policy Policy) *Builder {
	return &Builder{
		policy:       policy,
		logger:       log.NewNopLogger(),
		envLookup:    os.Getenv,
		ringCapacity: DefaultRingCapacity,
		gain:         DefaultControllerGain,
	}
}

// WithLogger routes warnings and lifecycle messages to l.
func (b *Builder) WithLogger(l log.Logger) *Builder {
	b.logger = l

	return b
}

// WithMetrics registers the observability collectors on reg.
func (b *Builder) WithMetrics(reg prometheus.Registerer) *Builder {
	b.metricsReg = reg

	return b
}

// WithSampleSource overrides the hardware sample source; tests inject a
// synthetic stream here.
func (b *Builder) WithSampleSource(src pebs.Source) *Builder {
	b.sampleSource = src

	return b
}

// WithEnvLookup overrides environment access; tests inject a map here.
func (b *Builder) WithEnvLookup(lookup func(string) string) *Builder {
	b.envLookup = lookup

	return b
}

// WithRingCapacity sizes the observation ring.
func (b *Builder) WithRingCapacity(n int) *Builder {
	b.ringCapacity = n

	return b
}

// WithLockedRing selects the mutex-based ring variant.
func (b *Builder) WithLockedRing() *Builder {
	b.lockedRing = true

	return b
}

// WithControllerGain sets the proportional and integral gains of the
// threshold controller.
func (b *Builder) WithControllerGain(gain, integral float64) *Builder {
	b.gain = gain
	b.integralGain = integral

	return b
}

// AddTier appends a tier with the given ratio weight.
func (b *Builder) AddTier(kind Kind, ratio uint) error {
	if kind == nil {
		return fmt.Errorf("%w: nil kind", ErrInvalidTiers)
	}

	if ratio == 0 {
		return fmt.Errorf("%w: zero ratio", ErrInvalidTiers)
	}

	if len(b.tiers) == maxTiers {
		return fmt.Errorf("%w: more than %d tiers", ErrInvalidTiers, maxTiers)
	}

	for _, t := range b.tiers {
		if t.kind == kind {
			return fmt.Errorf("%w: kind %q added twice", ErrInvalidTiers, kind.Name())
		}
	}

	b.tiers = append(b.tiers, tierCfg{kind: kind, ratio: float64(ratio)})

	// The dynamic-threshold policy grows one size boundary per added tier
	// beyond the first.
	if b.policy == PolicyDynamicThreshold && len(b.tiers) > 1 {
		i := len(b.tiers) - 2
		b.thres = append(b.thres, thresholdBounds{
			min: thresholdStep*uint64(i) + thresholdStep/2,
			val: thresholdStep * uint64(i+1),
			max: thresholdStep*uint64(i+1) + thresholdStep/2 - 1,
		})
	}

	return nil
}

// SetThresholdBounds overrides the i-th size boundary of the
// dynamic-threshold policy.
func (b *Builder) SetThresholdBounds(i int, min, val, max uint64) error {
	if b.policy != PolicyDynamicThreshold {
		return fmt.Errorf("%w: thresholds apply to the dynamic-threshold policy", ErrInvalidPolicy)
	}

	if i < 0 || i >= len(b.thres) {
		return fmt.Errorf("%w: threshold %d not defined for %d tiers", ErrInvalidTiers, i, len(b.tiers))
	}

	if min > val || val > max {
		return fmt.Errorf("%w: need min <= val <= max", ErrInvalidTiers)
	}

	b.thres[i] = thresholdBounds{min: min, val: val, max: max}

	return nil
}

// Build validates the configuration and constructs the Memory. For
// PolicyDataHotness this wires the whole observation pipeline: registry,
// ranking, controller, event ring, sampling worker and consumer goroutine.
func (b *Builder) Build() (*Memory, error) {
	switch b.policy {
	case PolicyStaticRatio, PolicyDynamicThreshold, PolicyDataHotness:
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidPolicy, int(b.policy))
	}

	if len(b.tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers added", ErrInvalidTiers)
	}

	if b.policy == PolicyDynamicThreshold && len(b.tiers) < 2 {
		return nil, fmt.Errorf("%w: dynamic threshold needs at least 2 tiers", ErrInvalidTiers)
	}

	m := &Memory{
		policy: b.policy,
		logger: b.logger,
	}

	// Normalized ratios for static balancing: cfg[0] is the reference.
	m.tiers = make([]tierCfg, len(b.tiers))
	copy(m.tiers, b.tiers)

	m.tiers[0].norm = 1
	for i := 1; i < len(m.tiers); i++ {
		m.tiers[i].norm = m.tiers[0].ratio / m.tiers[i].ratio
	}

	switch b.policy {
	case PolicyStaticRatio:
		m.cnt = newCounters(0, 0)
	case PolicyDynamicThreshold:
		m.thres = make([]*memThreshold, len(b.thres))

		for i, bounds := range b.thres {
			th := &memThreshold{
				min:          bounds.min,
				max:          bounds.max,
				expNormRatio: b.tiers[i+1].ratio / b.tiers[i].ratio,
			}
			th.val.Store(bounds.val)
			m.thres[i] = th
		}

		m.thresCheckCnt.Store(thresholdCheckCnt)
		m.cnt = newCounters(0, 0)
	case PolicyDataHotness:
		if err := b.buildHotness(m); err != nil {
			return nil, err
		}
	}

	if m.cnt == nil {
		m.cnt = newCounters(0, 0)
	}

	if b.metricsReg != nil {
		m.metrics = newMetrics(b.metricsReg, m)
	}

	return m, nil
}

func (b *Builder) buildHotness(m *Memory) error {
	if len(b.tiers) != 2 {
		return fmt.Errorf("%w: data hotness needs exactly 2 tiers, got %d", ErrInvalidTiers, len(b.tiers))
	}

	hotTier := -1

	for i, t := range b.tiers {
		if t.kind.Name() == KindHot {
			hotTier = i
		}
	}

	if hotTier == -1 {
		return fmt.Errorf("%w: no tier uses the %q kind", ErrInvalidTiers, KindHot)
	}

	cfg, err := parseEnvConfig(b.envLookup)
	if err != nil {
		return err
	}

	ratioSum := b.tiers[0].ratio + b.tiers[1].ratio
	desired := b.tiers[hotTier].ratio / ratioSum

	m.hotTier = hotTier
	m.coldTier = 1 - hotTier
	m.env = cfg
	m.cnt = newCounters(hotTier, desired)

	m.reg, err = registry.New(registry.Options{})
	if err != nil {
		return err
	}

	m.rank, err = ranking.New(cfg.weightOld, cfg.window, registry.DefaultMaxTypes)
	if err != nil {
		return err
	}

	m.ctrl = ranking.NewController(desired, b.gain, b.integralGain)

	m.ring, err = eventring.New[event](b.ringCapacity, eventring.Options{Locked: b.lockedRing})
	if err != nil {
		return err
	}

	src := b.sampleSource
	if src == nil {
		src, err = openHardwareSource(uint64(cfg.samplePeriod))
		if err != nil {
			// Fatal: the hotness policy cannot run blind.
			return fmt.Errorf("%w: %v", ErrSampler, err)
		}
	}

	m.sampler = pebs.NewWorker(pebs.Config{
		Source:          src,
		WakeFrequencyHz: cfg.wakeFreqHz,
		Emit: func(addr, ts uint64) bool {
			if m.ring.Push(event{kind: evTouch, addr: addr, timestamp: ts}) {
				return true
			}

			m.dropped.Add(1)

			return false
		},
	})

	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.touchCbs = make(map[uint32]touchCb)

	m.sampler.Start()
	go m.consumeLoop()

	return nil
}
