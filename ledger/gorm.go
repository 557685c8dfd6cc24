package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	ustypes "github.com/paymux/usdtsettle/types"
)

var _ Store = (*GormStore)(nil)

// GormStore backs the ledger with a relational database through gorm.
// Amounts are stored as strings to stay exact across engines.
type GormStore struct {
	db *gorm.DB
}

type paymentRecord struct {
	ID               string `gorm:"primaryKey;size:64"`
	Amount           string `gorm:"size:64;not null"`
	Network          string `gorm:"size:32;index"`
	Status           string `gorm:"size:32;index;not null"`
	PayerAddress     string `gorm:"size:64"`
	SettlementTxHash string `gorm:"size:128"`
	FailureKind      string `gorm:"size:64"`
	CreatedAt        time.Time
	ExpiresAt        time.Time `gorm:"index"`
}

func (paymentRecord) TableName() string { return "payments" }

type eventRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	PaymentID string `gorm:"size:64;index;not null"`
	Type      string `gorm:"size:64;not null"`
	Data      []byte
	CreatedAt time.Time
}

func (eventRecord) TableName() string { return "payment_events" }

type attemptRecord struct {
	PaymentID string `gorm:"primaryKey;size:64"`
	Number    int    `gorm:"primaryKey"`
	Outcome   string `gorm:"size:32;not null"`
	ErrorKind string `gorm:"size:64"`
	TxHash    string `gorm:"size:128"`
	CreatedAt time.Time
}

func (attemptRecord) TableName() string { return "settlement_attempts" }

type deliveryRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	PaymentID  string `gorm:"size:64;index;not null"`
	TargetURL  string `gorm:"size:512"`
	HTTPStatus int
	Attempt    int
	Delivered  bool `gorm:"index"`
	CreatedAt  time.Time
}

func (deliveryRecord) TableName() string { return "webhook_deliveries" }

// NewGormStore migrates the four tables and returns a Store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&paymentRecord{}, &eventRecord{}, &attemptRecord{}, &deliveryRecord{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Create(ctx context.Context, p *ustypes.Payment) error {
	rec := toRecord(p)
	err := s.db.WithContext(ctx).Create(rec).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateID
	}
	if err != nil {
		// SQLite reports duplicates as a constraint error, not
		// gorm.ErrDuplicatedKey; re-check.
		var exists int64
		s.db.WithContext(ctx).Model(&paymentRecord{}).Where("id = ?", p.ID).Count(&exists)
		if exists > 0 {
			return ErrDuplicateID
		}
		return err
	}
	return nil
}

func (s *GormStore) GetByID(ctx context.Context, id string) (*ustypes.Payment, error) {
	var rec paymentRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

func (s *GormStore) UpdateStatus(ctx context.Context, id string, from, to ustypes.Status, fields StatusFields) error {
	updates := map[string]interface{}{"status": string(to)}
	if fields.Network != nil {
		updates["network"] = string(*fields.Network)
	}
	if fields.PayerAddress != nil {
		updates["payer_address"] = *fields.PayerAddress
	}
	if fields.SettlementTxHash != nil {
		updates["settlement_tx_hash"] = *fields.SettlementTxHash
	}
	if fields.FailureKind != nil {
		updates["failure_kind"] = string(*fields.FailureKind)
	}

	tx := s.db.WithContext(ctx).Model(&paymentRecord{}).
		Where("id = ? AND status = ?", id, string(from))
	if fields.SettlementTxHash != nil {
		// The settlement fact is append-only: never overwrite a hash.
		tx = tx.Where("settlement_tx_hash = '' OR settlement_tx_hash IS NULL")
	}
	res := tx.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Nothing matched: distinguish why.
	var rec paymentRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if fields.SettlementTxHash != nil && rec.SettlementTxHash != "" {
		return ErrTxHashSet
	}
	return ErrConflict
}

func (s *GormStore) AppendEvent(ctx context.Context, id, eventType string, data []byte) error {
	return s.db.WithContext(ctx).Create(&eventRecord{
		ID:        uuid.NewString(),
		PaymentID: id,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}).Error
}

func (s *GormStore) ListExpiredPending(ctx context.Context, now time.Time) ([]*ustypes.Payment, error) {
	var recs []paymentRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{
			string(ustypes.StatusPending),
			string(ustypes.StatusAwaitingAuth),
			string(ustypes.StatusAuthorized),
		}).
		Where("expires_at < ?", now).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*ustypes.Payment, 0, len(recs))
	for i := range recs {
		p, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *GormStore) AppendAttempt(ctx context.Context, a *ustypes.SettlementAttempt) error {
	return s.db.WithContext(ctx).Create(&attemptRecord{
		PaymentID: a.PaymentID,
		Number:    a.Number,
		Outcome:   a.Outcome,
		ErrorKind: string(a.ErrorKind),
		TxHash:    a.TxHash,
		CreatedAt: a.Timestamp,
	}).Error
}

func (s *GormStore) FinalizeAttempt(ctx context.Context, paymentID string, number int, outcome string, kind ustypes.ErrorKind, txHash string) error {
	updates := map[string]interface{}{
		"outcome":    outcome,
		"error_kind": string(kind),
	}
	if txHash != "" {
		updates["tx_hash"] = txHash
	}
	res := s.db.WithContext(ctx).Model(&attemptRecord{}).
		Where("payment_id = ? AND number = ?", paymentID, number).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) AttemptsFor(ctx context.Context, paymentID string) ([]*ustypes.SettlementAttempt, error) {
	var recs []attemptRecord
	err := s.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("number").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*ustypes.SettlementAttempt, 0, len(recs))
	for _, r := range recs {
		out = append(out, &ustypes.SettlementAttempt{
			PaymentID: r.PaymentID,
			Number:    r.Number,
			Outcome:   r.Outcome,
			ErrorKind: ustypes.ErrorKind(r.ErrorKind),
			TxHash:    r.TxHash,
			Timestamp: r.CreatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) RecordDelivery(ctx context.Context, d *ustypes.WebhookDelivery) error {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(&deliveryRecord{
		ID:         id,
		PaymentID:  d.PaymentID,
		TargetURL:  d.TargetURL,
		HTTPStatus: d.HTTPStatus,
		Attempt:    d.Attempt,
		Delivered:  d.Delivered,
		CreatedAt:  d.Timestamp,
	}).Error
}

func (s *GormStore) DeliveriesFor(ctx context.Context, paymentID string) ([]*ustypes.WebhookDelivery, error) {
	var recs []deliveryRecord
	err := s.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("attempt").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*ustypes.WebhookDelivery, 0, len(recs))
	for _, r := range recs {
		out = append(out, &ustypes.WebhookDelivery{
			ID:         r.ID,
			PaymentID:  r.PaymentID,
			TargetURL:  r.TargetURL,
			HTTPStatus: r.HTTPStatus,
			Attempt:    r.Attempt,
			Delivered:  r.Delivered,
			Timestamp:  r.CreatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) ListUndelivered(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&paymentRecord{}).
		Where("status IN ?", []string{
			string(ustypes.StatusCompleted),
			string(ustypes.StatusFailed),
			string(ustypes.StatusExpired),
		}).
		Where("id NOT IN (?)", s.db.Model(&deliveryRecord{}).
			Select("payment_id").Where("delivered = ?", true)).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

func toRecord(p *ustypes.Payment) *paymentRecord {
	return &paymentRecord{
		ID:               p.ID,
		Amount:           p.Amount.String(),
		Network:          string(p.Network),
		Status:           string(p.Status),
		PayerAddress:     p.PayerAddress,
		SettlementTxHash: p.SettlementTxHash,
		FailureKind:      string(p.FailureKind),
		CreatedAt:        p.CreatedAt,
		ExpiresAt:        p.ExpiresAt,
	}
}

func fromRecord(r *paymentRecord) (*ustypes.Payment, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return nil, err
	}
	return &ustypes.Payment{
		ID:               r.ID,
		Amount:           amount,
		Network:          ustypes.Network(r.Network),
		Status:           ustypes.Status(r.Status),
		PayerAddress:     r.PayerAddress,
		SettlementTxHash: r.SettlementTxHash,
		FailureKind:      ustypes.ErrorKind(r.FailureKind),
		CreatedAt:        r.CreatedAt,
		ExpiresAt:        r.ExpiresAt,
	}, nil
}
