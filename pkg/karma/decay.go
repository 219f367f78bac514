package karma

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// Decay is a time-decay multiplier expressed in basis points (10000 = 1.00).
type Decay struct {
	BasisPoints int64 `json:"basis_points"`
}

func (d Decay) String() string {
	return fmt.Sprintf("%d.%02d", d.BasisPoints/10000, (d.BasisPoints%10000)/100)
}

// TimeDecay maps whole days of inactivity to the decay tier:
// up to 7 days 1.00, up to 30 days 0.95, up to 90 days 0.85, beyond 0.70.
func TimeDecay(inactive time.Duration) Decay {
	days := InactiveDays(inactive)
	switch {
	case days <= 7:
		return Decay{BasisPoints: 10000}
	case days <= 30:
		return Decay{BasisPoints: 9500}
	case days <= 90:
		return Decay{BasisPoints: 8500}
	default:
		return Decay{BasisPoints: 7000}
	}
}

// InactiveDays floors a duration to whole days; negative durations count as zero.
func InactiveDays(inactive time.Duration) int64 {
	if inactive <= 0 {
		return 0
	}
	return int64(inactive / day)
}
