package ledger

// BpsDenominator is the basis-point scale for fee rates.
const BpsDenominator = 10000

// Split returns floor(amount*feeBps/10000) and the remainder for the payee.
// The product is never formed, so any amount up to MaxInt64 is safe for feeBps <= 10000.
func Split(amount, feeBps int64) (fee, payee int64) {
	fee = (amount/BpsDenominator)*feeBps + (amount%BpsDenominator)*feeBps/BpsDenominator
	return fee, amount - fee
}
