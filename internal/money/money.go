// Package money converts between user-typed decimal amounts and int64
// minor units.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxMinor caps amounts well below int64 overflow.
const MaxMinor = 1_000_000_000_000_00

var (
	ErrInvalid     = errors.New("not a valid amount")
	ErrNotPositive = errors.New("amount must be greater than zero")
	ErrTooLarge    = errors.New("amount is too large")
)

// Parse accepts "12", "12.5", "12,50" and returns minor units. At most two
// fraction digits are allowed.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", ".")
	if s == "" {
		return 0, ErrInvalid
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNotPositive
	}
	s = strings.TrimPrefix(s, "+")

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" && !hasDot {
		return 0, ErrInvalid
	}
	if whole == "" {
		whole = "0"
	}
	if hasDot && (frac == "" || len(frac) > 2) {
		return 0, fmt.Errorf("%w: use at most two decimal places", ErrInvalid)
	}
	for _, part := range []string{whole, frac} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return 0, ErrInvalid
			}
		}
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if len(whole) > 13 {
		return 0, ErrTooLarge
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrInvalid
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, ErrInvalid
	}

	minor := units*100 + cents
	if minor == 0 {
		return 0, ErrNotPositive
	}
	if minor > MaxMinor {
		return 0, ErrTooLarge
	}
	return minor, nil
}

// Format renders minor units with two decimals, e.g. 1250 -> "12.50".
func Format(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// Float returns minor units as a float for spreadsheet cells.
func Float(minor int64) float64 {
	return float64(minor) / 100
}
