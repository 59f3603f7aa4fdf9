package charges

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// FormatAmount renders d with thousands grouping and two decimals, e.g. 1,234.50.
func FormatAmount(d decimal.Decimal) string {
	return printer.Sprintf("%.2f", Round2(d).InexactFloat64())
}
