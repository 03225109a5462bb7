package reconciler

import "time"

type PlannerConfig struct {
	Base time.Duration // default: 1 second
	Cap  time.Duration // default: 30 seconds
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Base: 1 * time.Second,
		Cap:  30 * time.Second,
	}
}

// Planner computes the pause taken before a retry pass starts.
type Planner struct {
	cfg PlannerConfig
}

func NewPlanner(cfg PlannerConfig) *Planner {
	def := DefaultPlannerConfig()
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Cap <= 0 {
		cfg.Cap = def.Cap
	}
	if cfg.Cap < cfg.Base {
		cfg.Cap = cfg.Base
	}
	return &Planner{cfg: cfg}
}

func DefaultPlanner() *Planner {
	return NewPlanner(DefaultPlannerConfig())
}

// BackoffDelay returns the sleep before retry pass n (n >= 1): base, 2*base, 4*base... capped.
func (p *Planner) BackoffDelay(retryPass int) time.Duration {
	if retryPass < 1 {
		retryPass = 1
	}
	d := p.cfg.Base
	for i := 1; i < retryPass; i++ {
		d *= 2
		if d >= p.cfg.Cap {
			return p.cfg.Cap
		}
	}
	if d > p.cfg.Cap {
		return p.cfg.Cap
	}
	return d
}
