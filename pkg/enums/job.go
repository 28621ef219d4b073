package enums

import "slices"

// JobKind identifies the handler responsible for a billing job.
type JobKind string

const (
	JobKindRenewal               JobKind = "renewal"
	JobKindPaymentRetry          JobKind = "payment_retry"
	JobKindLicenseExpiryNotice   JobKind = "license_expiry_notice"
	JobKindSubscriptionReconcile JobKind = "subscription_reconcile"
)

var validJobKinds = []JobKind{
	JobKindRenewal,
	JobKindPaymentRetry,
	JobKindLicenseExpiryNotice,
	JobKindSubscriptionReconcile,
}

func (j JobKind) String() string { return string(j) }

func (j JobKind) IsValid() bool { return slices.Contains(validJobKinds, j) }

func ParseJobKind(value string) (JobKind, error) { return parse(validJobKinds, "job kind", value) }

// JobStatus is the queue state of a billing job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusDead      JobStatus = "dead"
)

func (j JobStatus) String() string { return string(j) }
