package model

import "time"

// ViolationReason identifies which proctoring rule was broken.
type ViolationReason string

const (
	ReasonFullscreenExit ViolationReason = "fullscreen_exit"
	ReasonTabSwitch      ViolationReason = "tab_switch"
	ReasonWindowBlur     ViolationReason = "window_blur"
)

// ViolationEntry is one recorded proctoring violation.
type ViolationEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Reason    ViolationReason `json:"reason"`
	Details   string          `json:"details,omitempty"`
}

// ViolationRecord aggregates the violations of one assessment.
type ViolationRecord struct {
	Count                int              `json:"count"`
	Violations           []ViolationEntry `json:"violations"`
	MaxViolations        int              `json:"max_violations"`
	IsFullscreenRequired bool             `json:"is_fullscreen_required"`
}

// MaxReached reports whether the ceiling has been hit.
func (r ViolationRecord) MaxReached() bool {
	return r.MaxViolations > 0 && r.Count >= r.MaxViolations
}
