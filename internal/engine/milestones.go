package engine

import (
	"fmt"

	"settleline/internal/domain"
)

const sharesDenominator = 10_000

// milestoneAmount computes a milestone payout from its basis-point share.
// Integer floor division; the remainder stays in custody and returns with the
// final refundable balance rather than being redistributed.
func milestoneAmount(total, shareBP int64) int64 {
	return total * shareBP / sharesDenominator
}

func validateShares(shares []int64) error {
	if len(shares) == 0 {
		return fmt.Errorf("%w: at least one milestone required", ErrValidation)
	}
	var sum int64
	for i, bp := range shares {
		if bp <= 0 {
			return fmt.Errorf("%w: milestone %d share must be > 0 basis points, got %d", ErrValidation, i, bp)
		}
		sum += bp
	}
	if sum != sharesDenominator {
		return fmt.Errorf("%w: milestone shares must sum to %d basis points, got %d", ErrValidation, sharesDenominator, sum)
	}
	return nil
}

func validateOffsets(offsets []int64) error {
	for i, off := range offsets {
		if off <= 0 {
			return fmt.Errorf("%w: milestone %d deadline offset must be > 0 seconds, got %d", ErrValidation, i, off)
		}
	}
	return nil
}

// consentSide maps a caller to its side of the cancellation protocol.
func consentSide(eng domain.Engagement, caller string) (string, error) {
	switch caller {
	case eng.SellerID:
		return domain.ConsentSeller, nil
	case eng.BuyerID:
		return domain.ConsentBuyer, nil
	default:
		return "", fmt.Errorf("%w: %s is neither seller nor buyer of engagement %s", ErrUnauthorized, caller, eng.ID)
	}
}

// applyConsent advances the 2-of-2 consent state by one side's proposal.
// Re-proposing an already recorded side is idempotent.
func applyConsent(current, side string) string {
	switch current {
	case domain.ConsentNone:
		return side
	case side, domain.ConsentBoth:
		return current
	default:
		return domain.ConsentBoth
	}
}
