package repository

import (
	"time"

	"github.com/larderbook/parcel-notify/internal/domain"
)

// OutboxMessageModel is the persistence model for the outbox_messages table.
type OutboxMessageModel struct {
	ID                      string                 `gorm:"type:uuid;primaryKey"`
	Intent                  domain.Intent          `gorm:"type:varchar(32);not null"`
	TargetEntityID          string                 `gorm:"type:varchar(64);not null"`
	HouseholdID             string                 `gorm:"type:varchar(64);not null"`
	Recipient               string                 `gorm:"type:varchar(20);not null"`
	Body                    string                 `gorm:"type:text;not null"`
	IdempotencyKey          string                 `gorm:"type:varchar(255);not null"`
	Status                  domain.Status          `gorm:"type:varchar(20);not null"`
	AttemptCount            int                    `gorm:"not null;default:0"`
	LastErrorMessage        *string                `gorm:"type:text"`
	NextAttemptAt           *time.Time             `gorm:"type:timestamptz"`
	ProviderMessageID       *string                `gorm:"type:varchar(255)"`
	ProviderStatus          *domain.ProviderStatus `gorm:"type:varchar(20)"`
	ProviderStatusUpdatedAt *time.Time             `gorm:"type:timestamptz"`
	IsBalanceFailure        bool                   `gorm:"not null;default:false"`
	DismissedAt             *time.Time             `gorm:"type:timestamptz"`
	DismissedByUserID       *string                `gorm:"type:varchar(64)"`
	CreatedAt               time.Time
	SentAt                  *time.Time `gorm:"type:timestamptz"`
}

func (OutboxMessageModel) TableName() string {
	return "outbox_messages"
}

func outboxModelFromDomain(m *domain.OutboxMessage) *OutboxMessageModel {
	if m == nil {
		return nil
	}

	return &OutboxMessageModel{
		ID:                      m.ID,
		Intent:                  m.Intent,
		TargetEntityID:          m.TargetEntityID,
		HouseholdID:             m.HouseholdID,
		Recipient:               m.Recipient,
		Body:                    m.Body,
		IdempotencyKey:          m.IdempotencyKey,
		Status:                  m.Status,
		AttemptCount:            m.AttemptCount,
		LastErrorMessage:        m.LastErrorMessage,
		NextAttemptAt:           m.NextAttemptAt,
		ProviderMessageID:       m.ProviderMessageID,
		ProviderStatus:          m.ProviderStatus,
		ProviderStatusUpdatedAt: m.ProviderStatusUpdatedAt,
		IsBalanceFailure:        m.IsBalanceFailure,
		DismissedAt:             m.DismissedAt,
		DismissedByUserID:       m.DismissedByUserID,
		CreatedAt:               m.CreatedAt,
		SentAt:                  m.SentAt,
	}
}

func outboxModelToDomain(m *OutboxMessageModel) *domain.OutboxMessage {
	if m == nil {
		return nil
	}

	return &domain.OutboxMessage{
		ID:                      m.ID,
		Intent:                  m.Intent,
		TargetEntityID:          m.TargetEntityID,
		HouseholdID:             m.HouseholdID,
		Recipient:               m.Recipient,
		Body:                    m.Body,
		IdempotencyKey:          m.IdempotencyKey,
		Status:                  m.Status,
		AttemptCount:            m.AttemptCount,
		LastErrorMessage:        m.LastErrorMessage,
		NextAttemptAt:           m.NextAttemptAt,
		ProviderMessageID:       m.ProviderMessageID,
		ProviderStatus:          m.ProviderStatus,
		ProviderStatusUpdatedAt: m.ProviderStatusUpdatedAt,
		IsBalanceFailure:        m.IsBalanceFailure,
		DismissedAt:             m.DismissedAt,
		DismissedByUserID:       m.DismissedByUserID,
		CreatedAt:               m.CreatedAt,
		SentAt:                  m.SentAt,
	}
}
