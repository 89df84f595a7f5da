package service

import (
	"strings"

	"github.com/nyaruka/phonenumbers"

	"trend-reversal/backend/internal/apperr"
)

// NormalizePhone parses raw for defaultRegion and returns it in E.164 form. Numbers without a
// leading '+' are read as national numbers of defaultRegion.
func NormalizePhone(raw, defaultRegion string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", apperr.InvalidInput("phone is required")
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(defaultRegion))
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return "", apperr.InvalidInput("invalid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
