package billing

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var chileanSpanish = language.MustParse("es-CL")

func newPrinter() *message.Printer {
	return message.NewPrinter(chileanSpanish)
}

// FormatAmount renders whole currency units with local digit grouping, e.g. $7.000.
func FormatAmount(amount int64) string {
	return newPrinter().Sprintf("$%d", amount)
}
