package invoicing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tillpoint/tillpoint/internal/settings"
)

// ErrMalformedNumber is returned by ParseNumber.
var ErrMalformedNumber = errors.New("invoicing: malformed invoice number")

// Scope is the key within which serials are unique and increasing.
type Scope struct {
	OrganizationID int64
	Prefix         string
	Period         string
}

func (s Scope) String() string {
	return fmt.Sprintf("%d/%s/%s", s.OrganizationID, s.Prefix, s.Period)
}

// PeriodFor returns the period component for the reset cycle, evaluated in loc.
func PeriodFor(cycle settings.ResetCycle, at time.Time, loc *time.Location) string {
	if loc != nil {
		at = at.In(loc)
	}
	switch cycle {
	case settings.ResetMonthly:
		return at.Format("2006-01")
	case settings.ResetYearly:
		return at.Format("2006")
	default:
		return ""
	}
}

// EffectivePrefix joins the configured prefix with the branch code when the
// organization numbers per branch.
func EffectivePrefix(cfg settings.Settings, branchCode string) string {
	if cfg.BranchPrefix && branchCode != "" {
		return cfg.Prefix + branchCode
	}
	return cfg.Prefix
}

// ScopeFor derives the numbering scope of an invoice created at the given time.
func ScopeFor(cfg settings.Settings, branchCode string, at time.Time, loc *time.Location) Scope {
	return Scope{
		OrganizationID: cfg.OrganizationID,
		Prefix:         EffectivePrefix(cfg, branchCode),
		Period:         PeriodFor(cfg.ResetCycle, at, loc),
	}
}

// FormatNumber renders {prefix}{zero padded serial}[-{period}]. Serials wider
// than padding are printed in full.
func FormatNumber(prefix string, serial int64, padding int, period string) string {
	if padding < settings.MinPadding {
		padding = settings.MinPadding
	}
	number := prefix + fmt.Sprintf("%0*d", padding, serial)
	if period != "" {
		number += "-" + period
	}
	return number
}

// ParseNumber recovers the serial and period from a number produced by
// FormatNumber with the same prefix and reset cycle.
func ParseNumber(number, prefix string, cycle settings.ResetCycle) (int64, string, error) {
	if !strings.HasPrefix(number, prefix) {
		return 0, "", fmt.Errorf("%w: %q lacks prefix %q", ErrMalformedNumber, number, prefix)
	}
	rest := number[len(prefix):]
	var period string
	switch cycle {
	case settings.ResetMonthly:
		if len(rest) < len("-2006-01")+1 {
			return 0, "", fmt.Errorf("%w: %q", ErrMalformedNumber, number)
		}
		period = rest[len(rest)-len("2006-01"):]
		if _, err := time.Parse("2006-01", period); err != nil || rest[len(rest)-len("-2006-01")] != '-' {
			return 0, "", fmt.Errorf("%w: %q has no monthly period", ErrMalformedNumber, number)
		}
		rest = rest[:len(rest)-len("-2006-01")]
	case settings.ResetYearly:
		if len(rest) < len("-2006")+1 {
			return 0, "", fmt.Errorf("%w: %q", ErrMalformedNumber, number)
		}
		period = rest[len(rest)-len("2006"):]
		if _, err := time.Parse("2006", period); err != nil || rest[len(rest)-len("-2006")] != '-' {
			return 0, "", fmt.Errorf("%w: %q has no yearly period", ErrMalformedNumber, number)
		}
		rest = rest[:len(rest)-len("-2006")]
	}
	if rest == "" || strings.TrimLeft(rest, "0123456789") != "" {
		return 0, "", fmt.Errorf("%w: %q has no serial", ErrMalformedNumber, number)
	}
	serial, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || serial <= 0 {
		return 0, "", fmt.Errorf("%w: %q has no serial", ErrMalformedNumber, number)
	}
	return serial, period, nil
}
