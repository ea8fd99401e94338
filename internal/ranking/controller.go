package ranking

// Controller corrects the ratio handed to HotThresholdForRatio so that the
// observed hot-tier byte share converges on the target.
//
// The correction is geometry based. [0,1] is split into a cold segment
// a = 1-target and a hot segment b = target. Given the observed cold share
// c = 1-observed:
//
//	e = (b/a)(a-c)  when c <= a
//	e = (a/b)(a-c)  otherwise
//
// and the emitted ratio is 1-(a + gain*e + ki*integral), bounded to [0,1].
// When the observed share undershoots the target the emitted ratio rises
// (the threshold drops, more sites qualify as hot) and vice versa. At the
// corner a = c = 0 the formula degenerates to 0/0 and the observed share is
// passed through unchanged.
type Controller struct {
	hotSegment  float64 // b
	coldSegment float64 // a
	gain        float64
	ki          float64

	integral  float64
	lastError float64
}

// NewController creates a controller for the given target hot-to-total
// ratio. gain scales the proportional term; ki scales the accumulated
// error and may be zero for a purely proportional response.
func NewController(target, gain, ki float64) *Controller {
	return &Controller{
		hotSegment:  target,
		coldSegment: 1 - target,
		gain:        gain,
		ki:          ki,
	}
}

// Adjust maps the observed hot-to-total share to the corrected ratio.
func (c *Controller) Adjust(observed float64) float64 {
	a := c.coldSegment
	b := c.hotSegment
	coldShare := 1 - observed

	if a == coldShare && a == 0 {
		// Indeterminate 0/0: nothing to fix.
		return observed
	}

	t := a - coldShare

	var e float64
	if t >= 0 {
		e = b / a * t
	} else {
		e = a / b * t
	}

	c.integral += e
	c.lastError = e

	out := 1 - (a + c.gain*e + c.ki*c.integral)

	if out < 0 {
		return 0
	}

	if out > 1 {
		return 1
	}

	return out
}

// Reset clears the accumulated state.
func (c *Controller) Reset() {
	c.integral = 0
	c.lastError = 0
}
