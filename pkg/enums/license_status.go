package enums

import "slices"

// LicenseStatus tracks the entitlement state of a single license.
type LicenseStatus string

const (
	LicenseStatusActive  LicenseStatus = "active"
	LicenseStatusRevoked LicenseStatus = "revoked"
	LicenseStatusExpired LicenseStatus = "expired"
)

var validLicenseStatuses = []LicenseStatus{
	LicenseStatusActive,
	LicenseStatusRevoked,
	LicenseStatusExpired,
}

func (l LicenseStatus) String() string { return string(l) }

func (l LicenseStatus) IsValid() bool { return slices.Contains(validLicenseStatuses, l) }

func ParseLicenseStatus(value string) (LicenseStatus, error) { return parse(validLicenseStatuses, "license status", value) }
