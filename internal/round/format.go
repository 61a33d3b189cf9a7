package round

import (
	"math"
	"strconv"
	"strings"
)

const divider = "———————————————————————————————"

// FormatAdvisory renders the message a recipient receives.
func FormatAdvisory(comment string, row RecipientRow) string {
	var b strings.Builder
	if c := strings.TrimSpace(comment); c != "" {
		b.WriteString(c)
		b.WriteString("\n")
	}
	b.WriteString(divider)
	b.WriteString("\n참여가격: ")
	b.WriteString(FormatPrice(row.Price))
	b.WriteString("원\n참여수량: ")
	b.WriteString(strings.TrimSpace(row.Quantity))
	b.WriteString("\n확약여부: ")
	b.WriteString(strings.TrimSpace(row.Commitment))
	return b.String()
}

// maxExactInt is the largest magnitude a float64 holds as an exact integer.
const maxExactInt = 1 << 53

// FormatPrice groups thousands ("15000" -> "15,000"). Values that are not
// whole numbers within float64's exact integer range are returned trimmed.
func FormatPrice(raw string) string {
	s := strings.TrimSpace(raw)
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) || math.Abs(f) > maxExactInt {
		return s
	}
	n := int64(f)
	sign := ""
	if n < 0 {
		sign, n = "-", -n
	}
	digits := strconv.FormatInt(n, 10)
	var b strings.Builder
	b.WriteString(sign)
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	return b.String()
}
