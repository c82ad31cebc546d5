package exchange

import (
	"fmt"
	"strings"
)

// Perpetual contract symbols use the "BASE/QUOTE:SETTLE" convention, e.g.
// "BTC/USDT:USDT". The spot convention "BTC/USDT" has repeatedly been passed
// here by mistake and silently addressed the wrong market, so every call path
// validates before hitting the wire.

// PerpSymbol builds a linear perpetual symbol settled in the quote currency.
func PerpSymbol(base, quote string) string {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	return fmt.Sprintf("%s/%s:%s", base, quote, quote)
}

// ValidatePerpSymbol checks that symbol follows the perpetual convention.
// A spot-convention symbol is reported with a pointed message since that is
// the common mistake.
func ValidatePerpSymbol(symbol string) error {
	base, quote, settle, err := SplitPerpSymbol(symbol)
	if err != nil {
		return err
	}
	if base == "" || quote == "" || settle == "" {
		return fmt.Errorf("exchange: malformed perp symbol %q", symbol)
	}
	return nil
}

// SplitPerpSymbol parses "BASE/QUOTE:SETTLE" into its parts.
func SplitPerpSymbol(symbol string) (base, quote, settle string, err error) {
	slash := strings.IndexByte(symbol, '/')
	colon := strings.IndexByte(symbol, ':')
	if slash < 0 {
		return "", "", "", fmt.Errorf("exchange: %q is not a valid symbol", symbol)
	}
	if colon < 0 {
		return "", "", "", fmt.Errorf("exchange: %q uses the spot convention; perpetual contracts require BASE/QUOTE:SETTLE", symbol)
	}
	if colon < slash {
		return "", "", "", fmt.Errorf("exchange: malformed perp symbol %q", symbol)
	}
	return symbol[:slash], symbol[slash+1 : colon], symbol[colon+1:], nil
}

// SpotToPerp converts a spot-convention symbol ("BTC/USDT") to the
// quote-settled perpetual convention. A symbol already in perp form is
// returned unchanged.
func SpotToPerp(symbol string) (string, error) {
	if strings.ContainsRune(symbol, ':') {
		if err := ValidatePerpSymbol(symbol); err != nil {
			return "", err
		}
		return symbol, nil
	}
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("exchange: %q is not a valid symbol", symbol)
	}
	return PerpSymbol(parts[0], parts[1]), nil
}

// WireSymbol is the venue's compact market identifier ("BTCUSDT") derived
// from the perp symbol. Only used on request paths, never stored.
func WireSymbol(symbol string) (string, error) {
	base, quote, _, err := SplitPerpSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + quote, nil
}
