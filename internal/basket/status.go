// Package basket aggregates the statuses of registered collateral into the basket-level
// soundness signal that gates issuance.
package basket

import "collateral-monitor/internal/collateral"

// Worst reduces statuses under DISABLED > IFFY > SOUND. It is commutative and associative,
// and the worst of nothing is SOUND.
func Worst(statuses ...collateral.Status) collateral.Status {
	worst := collateral.Sound
	for _, s := range statuses {
		if s > worst {
			worst = s
		}
	}
	return worst
}
