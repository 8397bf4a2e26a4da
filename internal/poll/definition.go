package poll

import (
	"fmt"
	"strings"
)

// Definition is what the presenter asks. It does not change once a poll is created.
type Definition struct {
	Question           string   `json:"question"`
	Options            []string `json:"options"`
	TimeLimitSeconds   int      `json:"timeLimitSeconds"`
	CorrectOptionIndex *int     `json:"correctOptionIndex,omitempty"`
}

// MaxTimeLimitSeconds caps a poll at one day.
const MaxTimeLimitSeconds = 24 * 60 * 60

// Validate rejects definitions that must never reach the session.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Question) == "" {
		return fmt.Errorf("question is required")
	}
	if len(d.Options) == 0 {
		return fmt.Errorf("at least one option is required")
	}
	for i, opt := range d.Options {
		if strings.TrimSpace(opt) == "" {
			return fmt.Errorf("option %d is empty", i)
		}
	}
	if d.TimeLimitSeconds <= 0 {
		return fmt.Errorf("time limit must be positive, got %d", d.TimeLimitSeconds)
	}
	if d.TimeLimitSeconds > MaxTimeLimitSeconds {
		return fmt.Errorf("time limit must not exceed %d seconds", MaxTimeLimitSeconds)
	}
	if d.CorrectOptionIndex != nil {
		if idx := *d.CorrectOptionIndex; idx < 0 || idx >= len(d.Options) {
			return fmt.Errorf("correct option index %d is out of range", idx)
		}
	}
	return nil
}

func (d Definition) clone() Definition {
	out := d
	out.Options = append([]string(nil), d.Options...)
	if d.CorrectOptionIndex != nil {
		idx := *d.CorrectOptionIndex
		out.CorrectOptionIndex = &idx
	}
	return out
}
