package job

import "math"

// Progress tracks how far a job has come. Current and Percentage never decrease.
type Progress struct {
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
}

// Percent returns round(current/total*100), or 0 when total is 0.
func Percent(current, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(current) / float64(total) * 100))
	if p > 100 {
		return 100
	}
	return p
}

// Update applies a progress report. A report that would move the counters
// backwards only updates the message.
func (p *Progress) Update(done, total int, message string) {
	if p.Total == 0 && total > 0 {
		p.Total = total
	}
	if done > p.Total {
		done = p.Total
	}
	if done > p.Current {
		p.Current = done
	}
	if pct := Percent(p.Current, p.Total); pct > p.Percentage {
		p.Percentage = pct
	}
	if message != "" {
		p.Message = message
	}
}
