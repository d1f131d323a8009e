package payment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/domain/appointment"
)

// FreeCancellationWindow is how far ahead of the start a cancellation is free.
const FreeCancellationWindow = 24 * time.Hour

var (
	hundred           = decimal.NewFromInt(100)
	cancellationShare = decimal.RequireFromString("0.5")
	noShowShare       = decimal.RequireFromString("1.2")
)

// AmountOwed computes what a patient owes for purpose on appt. The result is
// never negative; zero means no payable session is needed.
func AmountOwed(appt *appointment.Appointment, purpose Purpose, timeToAppointment time.Duration, penalty decimal.Decimal) (decimal.Decimal, error) {
	if appt.Price.IsNegative() {
		return decimal.Zero, fmt.Errorf("appointment %s has negative price %s", appt.ID, appt.Price)
	}

	var amount decimal.Decimal
	switch purpose {
	case PurposeConsultation:
		amount = appt.Price.Add(penalty)
	case PurposeCancellationFee:
		if timeToAppointment < FreeCancellationWindow {
			amount = appt.Price.Mul(cancellationShare)
		} else {
			amount = decimal.Zero
		}
	case PurposeNoShowFee:
		amount = appt.Price.Mul(noShowShare)
	default:
		return decimal.Zero, fmt.Errorf("unknown payment purpose %q", purpose)
	}

	if amount.IsNegative() {
		return decimal.Zero, nil
	}
	return amount, nil
}

// RefundMinorUnits is owed * pct / 100 in minor units, rounded down.
func RefundMinorUnits(owed decimal.Decimal, pct int) int64 {
	return owed.Mul(decimal.NewFromInt(int64(pct))).Div(hundred).Shift(2).Floor().IntPart()
}
