package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ensureID assigns a client-side id when the row is created without one so
// inserts do not depend on database-side uuid defaults.
func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

func (o *Organization) BeforeCreate(*gorm.DB) error {
	ensureID(&o.ID)
	return nil
}

func (u *User) BeforeCreate(*gorm.DB) error {
	ensureID(&u.ID)
	return nil
}

func (m *OrganizationMember) BeforeCreate(*gorm.DB) error {
	ensureID(&m.ID)
	return nil
}

func (s *Subscription) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}

func (l *License) BeforeCreate(*gorm.DB) error {
	ensureID(&l.ID)
	return nil
}

func (p *PaymentTransaction) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

func (w *WebhookEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&w.ID)
	return nil
}

func (j *BillingJob) BeforeCreate(*gorm.DB) error {
	ensureID(&j.ID)
	return nil
}
