// Package settings exposes per-organization invoice configuration.
package settings

import (
	"errors"
	"strings"
)

// ErrNotFound is returned when an organization has no invoice settings row.
var ErrNotFound = errors.New("settings: not found")

// ResetCycle controls when invoice serials restart.
type ResetCycle string

const (
	ResetNever   ResetCycle = "never"
	ResetMonthly ResetCycle = "monthly"
	ResetYearly  ResetCycle = "yearly"
)

// DisplayFormat selects the invoice layout.
type DisplayFormat string

const (
	FormatA4      DisplayFormat = "a4"
	FormatThermal DisplayFormat = "thermal"
)

// Padding bounds.
const (
	DefaultPadding = 4
	MinPadding     = 1
	MaxPadding     = 12
)

// Settings is the configuration consumed by numbering and rendering. It is
// passed by value so neither component reads ambient state.
type Settings struct {
	OrganizationID int64         `json:"organization_id"`
	EnableInvoices bool          `json:"enable_invoices"`
	GSTEnabled     bool          `json:"gst_enabled"`
	Prefix         string        `json:"prefix"`
	BranchPrefix   bool          `json:"branch_prefix"`
	ResetCycle     ResetCycle    `json:"reset_cycle"`
	Padding        int           `json:"padding"`
	DisplayFormat  DisplayFormat `json:"display_format"`
	IncludeLogo    bool          `json:"include_logo"`
	Branding       Branding      `json:"branding"`
}

// Branding holds the seller details printed on an invoice.
type Branding struct {
	BusinessName string `json:"business_name"`
	Address      string `json:"address"`
	Phone        string `json:"phone"`
	GSTIN        string `json:"gstin"`
	LogoURL      string `json:"logo_url"`
	FooterNote   string `json:"footer_note"`
}

// Disabled returns the settings used for organizations without a settings row.
func Disabled(orgID int64) Settings {
	return Settings{OrganizationID: orgID}.Normalise()
}

// NormaliseResetCycle maps free-form input to a ResetCycle, defaulting to never.
func NormaliseResetCycle(v string) ResetCycle {
	switch ResetCycle(strings.ToLower(strings.TrimSpace(v))) {
	case ResetMonthly:
		return ResetMonthly
	case ResetYearly:
		return ResetYearly
	default:
		return ResetNever
	}
}

// NormaliseDisplayFormat maps free-form input to a DisplayFormat, defaulting to A4.
func NormaliseDisplayFormat(v string) DisplayFormat {
	if DisplayFormat(strings.ToLower(strings.TrimSpace(v))) == FormatThermal {
		return FormatThermal
	}
	return FormatA4
}

// Normalise fills defaults and clamps out-of-range values.
func (s Settings) Normalise() Settings {
	s.Prefix = strings.TrimSpace(s.Prefix)
	s.ResetCycle = NormaliseResetCycle(string(s.ResetCycle))
	s.DisplayFormat = NormaliseDisplayFormat(string(s.DisplayFormat))
	switch {
	case s.Padding == 0:
		s.Padding = DefaultPadding
	case s.Padding < MinPadding:
		s.Padding = MinPadding
	case s.Padding > MaxPadding:
		s.Padding = MaxPadding
	}
	if !s.IncludeLogo {
		s.Branding.LogoURL = ""
	}
	return s
}
