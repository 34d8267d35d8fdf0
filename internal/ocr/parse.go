// Package ocr turns slip images into text and text into payment details.
package ocr

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// PaymentInfo is what could be read off a slip. Amount is nil when no
// positive amount was found.
type PaymentInfo struct {
	Amount *int64 `json:"amount,omitempty"`
	Name   string `json:"name,omitempty"`
}

var (
	// Grouped thousands must have at least one group, otherwise "1250.00"
	// would stop at "125".
	amountRe   = regexp.MustCompile(`(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)\s*(?:บาท|฿|THB)?`)
	nameRe     = regexp.MustCompile(`ชื่อ[^\n\r]+`)
	fromLineRe = regexp.MustCompile(`(?mi)^\s*(?:from|จาก)\s*[:：]?\s*([^\n\r]+)`)
)

var thaiDigits = runes.Map(func(r rune) rune {
	if r >= '๐' && r <= '๙' {
		return '0' + (r - '๐')
	}
	return r
})

// Normalize folds full-width forms (NFKC) and Thai digits to ASCII.
func Normalize(text string) string {
	out, _, err := transform.String(transform.Chain(norm.NFKC, thaiDigits), text)
	if err != nil {
		return text
	}
	return out
}

// ParsePaymentInfo takes the first amount and the first payer name in text,
// independently of each other. Amounts are truncated to whole units. Names
// are read from the raw text: NFKC would split SARA AM in Thai names.
func ParsePaymentInfo(text string) PaymentInfo {
	var info PaymentInfo
	if m := amountRe.FindStringSubmatch(Normalize(text)); m != nil {
		info.Amount = parseAmount(m[1])
	}
	if m := nameRe.FindString(text); m != "" {
		info.Name = strings.TrimSpace(m)
	} else if m := fromLineRe.FindStringSubmatch(text); m != nil {
		info.Name = strings.TrimSpace(m[1])
	}
	return info
}

func parseAmount(s string) *int64 {
	s = strings.ReplaceAll(s, ",", "")
	whole, _, _ := strings.Cut(s, ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || n <= 0 || n > math.MaxInt32 {
		return nil
	}
	return &n
}
