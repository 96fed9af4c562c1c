// Package ledger holds the commission arithmetic applied to collected rent.
package ledger

// Commission rates in basis points.
const (
	AgentRateBP    = 500 // 5%
	ReferrerRateBP = 50  // 0.5%
)

// Commission is the earnings split for one collected payment.
type Commission struct {
	AgentCents    int64
	ReferrerCents int64
}

// Split computes the agent and referrer commissions for amountCents.
// Referrer earnings are only meaningful when a referrer exists; callers
// decide whether to record them.
func Split(amountCents int64) Commission {
	return Commission{
		AgentCents:    Rate(amountCents, AgentRateBP),
		ReferrerCents: Rate(amountCents, ReferrerRateBP),
	}
}

// Rate applies a basis-point rate to amountCents, rounding half up.
func Rate(amountCents, bp int64) int64 {
	if amountCents <= 0 || bp <= 0 {
		return 0
	}
	return (amountCents*bp + 5000) / 10000
}
