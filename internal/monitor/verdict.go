package monitor

import "fmt"

// ServiceKey builds the "<environment>_<endpoint>" service key.
func ServiceKey(environment, endpoint string) string {
	return environment + "_" + endpoint
}

// Verdict maps failure counts to an overall status: healthy with no failures,
// degraded while failures stay strictly under half of total, unhealthy
// otherwise.
func Verdict(failed, total int) Status {
	switch {
	case failed <= 0:
		return StatusHealthy
	case float64(failed) < float64(total)/2:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// SuccessRate returns (total-failed)/max(1,total).
func SuccessRate(failed, total int) float64 {
	denom := total
	if denom < 1 {
		denom = 1
	}
	return float64(total-failed) / float64(denom)
}

func summary(total, failed int) string {
	return fmt.Sprintf("Precheck service monitoring: %d services, %d failed", total, failed)
}
