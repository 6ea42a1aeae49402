package infer

// Thresholds holds the heuristic constants used by the built-in detectors.
// They are defaults rather than tuned values and may be overridden from the
// config file.
type Thresholds struct {
	DemonstratesExact    float64 `yaml:"demonstrates_exact"`
	DemonstratesPartial  float64 `yaml:"demonstrates_partial"`
	PairsWith            float64 `yaml:"pairs_with"`
	Prevents             float64 `yaml:"prevents"`
	ExplainsMinMentions  int     `yaml:"explains_min_mentions"`
	ExplainsFullMentions int     `yaml:"explains_full_mentions"`
	ExplainsMin          float64 `yaml:"explains_min"`
	ExplainsMax          float64 `yaml:"explains_max"`
	Uses                 float64 `yaml:"uses"`
	RelatesMinShared     int     `yaml:"relates_min_shared"`
	RelatesBase          float64 `yaml:"relates_base"`
	RelatesStep          float64 `yaml:"relates_step"`
	RelatesCap           float64 `yaml:"relates_cap"`
	Supersedes           float64 `yaml:"supersedes"`
}

// DefaultThresholds returns the stock detector constants.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DemonstratesExact:    1.0,
		DemonstratesPartial:  0.7,
		PairsWith:            1.0,
		Prevents:             1.0,
		ExplainsMinMentions:  2,
		ExplainsFullMentions: 6,
		ExplainsMin:          0.5,
		ExplainsMax:          1.0,
		Uses:                 0.8,
		RelatesMinShared:     2,
		RelatesBase:          0.3,
		RelatesStep:          0.1,
		RelatesCap:           0.9,
		Supersedes:           1.0,
	}
}

// explains maps a mention count to a confidence, or returns false below the threshold.
func (t Thresholds) explains(mentions int) (float64, bool) {
	if mentions < t.ExplainsMinMentions {
		return 0, false
	}
	span := t.ExplainsFullMentions - t.ExplainsMinMentions
	if span <= 0 || mentions >= t.ExplainsFullMentions {
		return t.ExplainsMax, true
	}
	step := (t.ExplainsMax - t.ExplainsMin) / float64(span)
	return t.ExplainsMin + step*float64(mentions-t.ExplainsMinMentions), true
}

// relates maps a shared keyword count to a confidence, or returns false below the threshold.
func (t Thresholds) relates(shared int) (float64, bool) {
	if shared < t.RelatesMinShared {
		return 0, false
	}
	c := t.RelatesBase + t.RelatesStep*float64(shared-t.RelatesMinShared)
	if c > t.RelatesCap {
		c = t.RelatesCap
	}
	return c, true
}
