package eye

import (
	"sort"

	"github.com/argus-data/watchtower/internal/filter"
	"github.com/argus-data/watchtower/internal/monitoring"
	"github.com/argus-data/watchtower/internal/vision"
)

// Status is the runtime snapshot served by the HTTP surface.
type Status struct {
	Running       bool          `json:"running"`
	Policy        string        `json:"policy"`
	Stage1Targets []string      `json:"stage1_targets"`
	Stage2Targets []string      `json:"stage2_targets"`
	Filter        filter.Status `json:"filter"`
	ActiveEventID int64         `json:"active_event_id"`
	BufferedCount int           `json:"buffered_frames"`
	ScenePending  int           `json:"scene_pending"`
	Muted         []string      `json:"muted_classes"`
	LastAbnormal  bool          `json:"last_abnormal"`
}

// UpdateStage1Targets replaces the coarse detection vocabulary. Tracker state
// resets because identities across vocabularies are meaningless.
func (c *Core) UpdateStage1Targets(targets []string) bool {
	if !c.Cascade.UpdateStage1Targets(targets) {
		return false
	}
	c.Filter.Reset()
	return true
}

// UpdateStage2Targets replaces the refinement vocabulary.
func (c *Core) UpdateStage2Targets(targets []string) bool {
	return c.Cascade.UpdateStage2Targets(targets)
}

// UpdatePolicy installs a new security policy: the textual policy feeds the
// scene-analysis prompt, the risk level retunes tracker sensitivity. At high
// risk the dynamic targets also join the stage-1 vocabulary so the detector
// can actually see them.
func (c *Core) UpdatePolicy(policy, riskLevel string, dynamicTargets []string) {
	if policy != "" {
		c.mu.Lock()
		c.policy = policy
		c.mu.Unlock()
		monitoring.Logf("eye: security policy updated: %q", policy)
	}
	c.Filter.UpdatePolicy(riskLevel, dynamicTargets)

	if riskLevel == "high" && len(dynamicTargets) > 0 {
		current := c.Cascade.Stage1Targets()
		have := make(map[string]bool, len(current))
		for _, t := range current {
			have[t] = true
		}
		union := current
		for _, t := range dynamicTargets {
			if !have[t] {
				union = append(union, t)
			}
		}
		if len(union) > len(current) {
			if !c.Cascade.UpdateStage1Targets(union) {
				monitoring.Logf("eye: failed to extend stage-1 vocabulary for policy")
			}
		}
	}
}

// SecurityPolicy returns the active policy text.
func (c *Core) SecurityPolicy() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// MuteClass suppresses a class from perception output until unmuted.
func (c *Core) MuteClass(class string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted[class] = struct{}{}
	monitoring.Logf("eye: muted class %q", class)
}

// UnmuteClass lifts a mute.
func (c *Core) UnmuteClass(class string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.muted, class)
	monitoring.Logf("eye: unmuted class %q", class)
}

// MutedClasses returns the sorted muted set.
func (c *Core) MutedClasses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.muted))
	for class := range c.muted {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}

// LatestFrame returns the most recent captured frame.
func (c *Core) LatestFrame() (vision.Frame, bool) {
	return c.Source.Frame()
}

// ContextFrames returns the buffered context window without clearing the
// trigger.
func (c *Core) ContextFrames() []vision.Frame {
	return c.Buffer.Frames(false)
}

// LastResult returns the most recent perception result, or nil.
func (c *Core) LastResult() *vision.PerceptionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Status assembles the runtime snapshot.
func (c *Core) Status() Status {
	c.mu.Lock()
	running, policy := c.running, c.policy
	c.mu.Unlock()
	st := Status{
		Running:       running,
		Policy:        policy,
		Stage1Targets: c.Cascade.Stage1Targets(),
		Stage2Targets: c.Cascade.Stage2Targets(),
		Filter:        c.Filter.Status(),
		ActiveEventID: c.Memory.ActiveEventID(),
		BufferedCount: c.Buffer.Len(),
		ScenePending:  c.Analyzer.Pending(),
		Muted:         c.MutedClasses(),
	}
	if last := c.LastResult(); last != nil {
		st.LastAbnormal = last.IsAbnormal()
	}
	return st
}
