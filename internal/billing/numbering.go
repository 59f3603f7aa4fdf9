package billing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// DefaultInvoicePrefix starts every generated invoice number.
const DefaultInvoicePrefix = "NGS"

var suffixSpace = big.NewInt(10000)

// NumberGenerator produces invoice numbers shaped PREFIX-YYYYMMDD-RRRR.
type NumberGenerator struct {
	prefix string
	suffix func() (int64, error)
}

// NewNumberGenerator constructs a generator. An empty prefix selects
// DefaultInvoicePrefix.
func NewNumberGenerator(prefix string) *NumberGenerator {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultInvoicePrefix
	}
	return &NumberGenerator{prefix: prefix, suffix: randomSuffix}
}

// WithSuffixSource replaces the random suffix source, for tests.
func (g *NumberGenerator) WithSuffixSource(fn func() (int64, error)) {
	g.suffix = fn
}

// Next returns a number for an invoice issued on day.
func (g *NumberGenerator) Next(day time.Time) (string, error) {
	n, err := g.suffix()
	if err != nil {
		return "", fmt.Errorf("billing: invoice number suffix: %w", err)
	}
	return fmt.Sprintf("%s-%s-%04d", g.prefix, day.Format("20060102"), n%10000), nil
}

func randomSuffix() (int64, error) {
	n, err := rand.Int(rand.Reader, suffixSpace)
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}
