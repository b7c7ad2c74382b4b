package billing

import "github.com/shopspring/decimal"

// SplitVAT back-calculates net and VAT from a tax-inclusive amount. Net is rounded half-up
// and VAT takes the remainder so that net+vat always equals gross.
func SplitVAT(gross int64, rate decimal.Decimal) (net, vat int64) {
	if gross <= 0 {
		return 0, 0
	}
	divisor := decimal.NewFromInt(1).Add(rate)
	if !divisor.IsPositive() {
		return gross, 0
	}
	net = roundUnits(decimal.NewFromInt(gross).Div(divisor))
	return net, gross - net
}
