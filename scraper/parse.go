package scraper

import (
	"strconv"
	"strings"
	"unicode"
)

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// parseNumber reads the first number in s, accepting either "," or "." as
// thousands separator: "€ 1.250.000", "$1,250,000", "125,5 t".
func parseNumber(s string) (float64, bool) {
	var digits strings.Builder
	started := false
scan:
	for _, c := range s {
		switch {
		case unicode.IsDigit(c):
			digits.WriteRune(c)
			started = true
		case (c == '.' || c == ',') && started:
			digits.WriteRune(c)
		case c == ' ' || c == '\u00a0' || c == '\'':
			// grouping inside a number
		default:
			if started {
				break scan
			}
		}
	}
	raw := strings.TrimRight(digits.String(), ".,")
	if raw == "" {
		return 0, false
	}

	lastDot := strings.LastIndex(raw, ".")
	lastComma := strings.LastIndex(raw, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			raw = strings.ReplaceAll(raw, ".", "")
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case lastComma >= 0:
		raw = decimalOrGrouping(raw, ",")
	case lastDot >= 0:
		raw = decimalOrGrouping(raw, ".")
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// decimalOrGrouping treats a single separator followed by one or two digits
// as a decimal point and anything else as thousands grouping.
func decimalOrGrouping(raw, sep string) string {
	if strings.Count(raw, sep) == 1 {
		i := strings.Index(raw, sep)
		if tail := len(raw) - i - 1; tail > 0 && tail <= 2 {
			return strings.Replace(raw, sep, ".", 1)
		}
	}
	return strings.ReplaceAll(raw, sep, "")
}

func parseYear(s string) (int, bool) {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) {
		if len(f) != 4 {
			continue
		}
		y, err := strconv.Atoi(f)
		if err == nil && y >= 1800 && y <= 2100 {
			return y, true
		}
	}
	return 0, false
}

func currencyFromText(s string) string {
	switch {
	case strings.Contains(s, "€"), strings.Contains(strings.ToUpper(s), "EUR"):
		return "EUR"
	case strings.Contains(s, "£"), strings.Contains(strings.ToUpper(s), "GBP"):
		return "GBP"
	case strings.Contains(s, "$"), strings.Contains(strings.ToUpper(s), "USD"):
		return "USD"
	}
	return ""
}
