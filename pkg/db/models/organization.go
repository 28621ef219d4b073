package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization is the tenant that owns a subscription and its license pool.
type Organization struct {
	ID                 uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Name               string    `gorm:"column:name;not null"`
	BillingEmail       string    `gorm:"column:billing_email;not null"`
	ExternalCustomerID *string   `gorm:"column:external_customer_id;uniqueIndex"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
