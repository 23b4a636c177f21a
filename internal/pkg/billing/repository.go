package billing

import (
	"time"

	"github.com/ManuelReschke/SubSync/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	GetRecordByUserID(userID uint) (*models.SubscriptionRecord, error)
	GetRecordByProviderCustomerID(provider, providerCustomerID string) (*models.SubscriptionRecord, error)
	CreateRecordIfNotExists(rec *models.SubscriptionRecord) (*models.SubscriptionRecord, error)
	SwapRecord(rec *models.SubscriptionRecord, expectedVersion uint64) (bool, error)
	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, userID uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetRecordByUserID(userID uint) (*models.SubscriptionRecord, error) {
	var rec models.SubscriptionRecord
	if err := r.db.Where("user_id = ?", userID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) GetRecordByProviderCustomerID(provider, providerCustomerID string) (*models.SubscriptionRecord, error) {
	var rec models.SubscriptionRecord
	if err := r.db.Where("provider = ? AND provider_customer_id = ?", provider, providerCustomerID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRecordIfNotExists inserts the record unless the user already has one;
// the existing row is returned either way.
func (r *gormRepository) CreateRecordIfNotExists(rec *models.SubscriptionRecord) (*models.SubscriptionRecord, error) {
	if err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(rec).Error; err != nil {
		return nil, err
	}

	var stored models.SubscriptionRecord
	if err := r.db.Where("user_id = ?", rec.UserID).First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

// SwapRecord writes the new record state conditioned on the stored version
// still matching expectedVersion. Returns false on a concurrent modification.
func (r *gormRepository) SwapRecord(rec *models.SubscriptionRecord, expectedVersion uint64) (bool, error) {
	tx := r.db.Model(&models.SubscriptionRecord{}).
		Where("user_id = ? AND version = ?", rec.UserID, expectedVersion).
		Updates(map[string]interface{}{
			"plan_id":                  rec.PlanID,
			"status":                   rec.Status,
			"expires_at":               rec.ExpiresAt,
			"provider_subscription_id": rec.ProviderSubscriptionID,
			"last_event_id":            rec.LastEventID,
			"last_event_at":            rec.LastEventAt,
			"version":                  rec.Version,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// MarkWebhookProcessed stamps the processing result on a ledger row. An
// applied mark is terminal: a concurrent delivery that lost the record-store
// race must not flip the winner's row back to unprocessed.
func (r *gormRepository) MarkWebhookProcessed(id uint, userID uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	if userID != 0 {
		updates["user_id"] = userID
	}
	return r.db.Model(&models.WebhookEvent{}).
		Where("id = ? AND (processed_at IS NULL OR processing_error <> '')", id).
		Updates(updates).Error
}
