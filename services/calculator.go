package services

import (
	"fmt"

	"github.com/splitwell/splitwell-api/models"
	"github.com/splitwell/splitwell-api/money"
)

// ContributionCalculator turns a charged total into per-payer amounts.
// The owner is always one of the participants: whatever the payers do not
// cover stays with the owner, so nothing here ever moves money from the
// owner to themselves.
type ContributionCalculator struct{}

func NewContributionCalculator() *ContributionCalculator {
	return &ContributionCalculator{}
}

// AmountOwed computes one payer's share of total. participantCount includes
// the owner, so an even split across a three person expense divides by 3.
func (c *ContributionCalculator) AmountOwed(total money.Amount, agreement *models.SharedExpenseUserAgreement, participantCount int) (money.Amount, error) {
	switch agreement.ContributionType {
	case models.ContributionSplitEvenly:
		if participantCount < 1 {
			return 0, fmt.Errorf("invalid participant count %d", participantCount)
		}
		return total.DivideHalfEven(int64(participantCount)), nil

	case models.ContributionPercentage:
		if agreement.ContributionValue == nil {
			return 0, fmt.Errorf("percentage agreement %s has no contribution value", agreement.ID)
		}
		return total.PercentageHalfEven(*agreement.ContributionValue), nil

	case models.ContributionFixed:
		if agreement.ContributionValue == nil {
			return 0, fmt.Errorf("fixed agreement %s has no contribution value", agreement.ID)
		}
		// A fixed contribution does not scale with the charge.
		return money.FromCents(*agreement.ContributionValue), nil

	default:
		return 0, fmt.Errorf("unknown contribution type %q", agreement.ContributionType)
	}
}

// ProcessingFee is retained for the day the platform charges one. Every
// settlement today carries a zero fee.
func (c *ContributionCalculator) ProcessingFee(amount money.Amount) money.Amount {
	return money.FromCents(0)
}
