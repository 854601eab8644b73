package domain

import (
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
)

// PeriodKey identifies an account-period: the partition used for event
// streams and for projection recomputation.
type PeriodKey struct {
	AccountID string
	Year      int
	Month     time.Month
}

// PeriodOf returns the period containing day for the given account.
func PeriodOf(accountID string, day civil.Date) PeriodKey {
	return PeriodKey{AccountID: accountID, Year: day.Year, Month: day.Month}
}

// YearMonth formats the period as "yyyy-MM".
func (k PeriodKey) YearMonth() string {
	return fmt.Sprintf("%04d-%02d", k.Year, int(k.Month))
}

// StreamName is the event-store stream for the period: "{accountId}-{yyyy-MM}".
func (k PeriodKey) StreamName() string {
	return k.AccountID + "-" + k.YearMonth()
}

func (k PeriodKey) String() string {
	return k.StreamName()
}

// Contains reports whether day falls inside the period.
func (k PeriodKey) Contains(day civil.Date) bool {
	return day.Year == k.Year && day.Month == k.Month
}

// StreamPrefix is the common prefix of every stream owned by accountID.
func StreamPrefix(accountID string) string {
	return accountID + "-"
}

// ParseStreamName reverses StreamName. Account ids may contain dashes, so
// the period is read from the end of the name.
func ParseStreamName(stream string) (PeriodKey, error) {
	const suffixLen = len("-2006-01")
	if len(stream) <= suffixLen || stream[len(stream)-suffixLen] != '-' {
		return PeriodKey{}, fmt.Errorf("%w: malformed stream name %q", ErrValidation, stream)
	}
	accountID := stream[:len(stream)-suffixLen]
	ym := stream[len(stream)-suffixLen+1:]
	if ym[4] != '-' {
		return PeriodKey{}, fmt.Errorf("%w: malformed stream period %q", ErrValidation, stream)
	}
	year, err := strconv.Atoi(ym[:4])
	if err != nil {
		return PeriodKey{}, fmt.Errorf("%w: malformed stream year %q", ErrValidation, stream)
	}
	month, err := strconv.Atoi(ym[5:])
	if err != nil || month < 1 || month > 12 {
		return PeriodKey{}, fmt.Errorf("%w: malformed stream month %q", ErrValidation, stream)
	}
	if err := ValidateAccountID(accountID); err != nil {
		return PeriodKey{}, err
	}
	return PeriodKey{AccountID: accountID, Year: year, Month: time.Month(month)}, nil
}
