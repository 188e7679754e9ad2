package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/blockspeak/orchestrator/internal/models"
	"github.com/blockspeak/orchestrator/pkg/logger"
)

type PostgresDB struct {
	logger *logger.Logger

	Conn *gorm.DB
}

func NewPostgresDB(dsn string, logger *logger.Logger) (*PostgresDB, error) {
	// Configure GORM logger to suppress "record not found" messages
	gormLogger := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.AutoMigrate(&models.ContractInstance{}, &models.PendingDeployment{}, &models.Subscription{}, &models.PaymentRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate models: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL!")
	return NewRepository(db, logger), nil
}

// NewRepository wraps an already opened connection.
func NewRepository(conn *gorm.DB, logger *logger.Logger) *PostgresDB {
	return &PostgresDB{Conn: conn, logger: logger}
}

func (db *PostgresDB) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}

// Record inserts the instance unless its address is already registered.
// Re-recording the same address for the same owner returns the existing ID.
func (db *PostgresDB) Record(ctx context.Context, owner string, kind models.ContractKind, address, txHash string, params models.ContractParams) (int64, error) {
	return record(db.Conn.WithContext(ctx), owner, kind, address, txHash, params)
}

func record(tx *gorm.DB, owner string, kind models.ContractKind, address, txHash string, params models.ContractParams) (int64, error) {
	instance := &models.ContractInstance{
		Address:         strings.ToLower(address),
		Kind:            kind,
		Owner:           strings.ToLower(owner),
		TxHash:          strings.ToLower(txHash),
		Status:          models.ContractActive,
		Recipient:       strings.ToLower(params.Recipient),
		AmountWei:       params.AmountWei,
		IntervalSeconds: params.IntervalSeconds,
		Name:            params.Name,
		Description:     params.Description,
	}

	res := tx.
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "address"}}, DoNothing: true}).
		Create(instance)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to record contract: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return instance.ID, nil
	}

	existing, err := getContract(tx, instance.Address)
	if err != nil {
		return 0, err
	}
	if existing.Owner != instance.Owner || existing.Kind != kind {
		return 0, fmt.Errorf("%w: contract %s is registered to another owner", models.ErrStateConflict, instance.Address)
	}
	return existing.ID, nil
}

func (db *PostgresDB) ListByOwner(ctx context.Context, owner string) ([]*models.ContractInstance, error) {
	var instances []*models.ContractInstance
	if err := db.Conn.WithContext(ctx).
		Where("owner = ?", strings.ToLower(owner)).
		Order("created_at DESC, id DESC").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	return instances, nil
}

func (db *PostgresDB) GetContract(ctx context.Context, address string) (*models.ContractInstance, error) {
	return getContract(db.Conn.WithContext(ctx), address)
}

func getContract(tx *gorm.DB, address string) (*models.ContractInstance, error) {
	var instance models.ContractInstance
	if err := tx.Where("address = ?", strings.ToLower(address)).First(&instance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return &instance, nil
}

// MarkCancelled moves an active recurring payment to cancelled.
func (db *PostgresDB) MarkCancelled(ctx context.Context, address string) error {
	address = strings.ToLower(address)
	res := db.Conn.WithContext(ctx).Model(&models.ContractInstance{}).
		Where("address = ? AND kind = ? AND status = ?", address, models.KindRecurringPayment, models.ContractActive).
		Update("status", models.ContractCancelled)
	if res.Error != nil {
		return fmt.Errorf("failed to cancel contract: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	if _, err := db.GetContract(ctx, address); err != nil {
		return err
	}
	return fmt.Errorf("%w: contract %s is not an active recurring payment", models.ErrStateConflict, address)
}

func (db *PostgresDB) RecordPending(ctx context.Context, owner string, kind models.ContractKind, txHash string, params models.ContractParams) error {
	pending := &models.PendingDeployment{
		TxHash:          strings.ToLower(txHash),
		Kind:            kind,
		Owner:           strings.ToLower(owner),
		Recipient:       strings.ToLower(params.Recipient),
		AmountWei:       params.AmountWei,
		IntervalSeconds: params.IntervalSeconds,
		Name:            params.Name,
		Description:     params.Description,
	}
	if err := db.Conn.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "tx_hash"}}, DoNothing: true}).
		Create(pending).Error; err != nil {
		return fmt.Errorf("failed to record pending deployment: %w", err)
	}
	return nil
}

func (db *PostgresDB) ListPending(ctx context.Context, owner string) ([]*models.PendingDeployment, error) {
	query := db.Conn.WithContext(ctx)
	if owner != "" {
		query = query.Where("owner = ?", strings.ToLower(owner))
	}
	var pending []*models.PendingDeployment
	if err := query.Order("created_at ASC").Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending deployments: %w", err)
	}
	return pending, nil
}

// ResolvePending registers the deployed contract under the owner and
// parameters recorded with the pending entry.
func (db *PostgresDB) ResolvePending(ctx context.Context, txHash, address string) (int64, error) {
	txHash = strings.ToLower(txHash)
	var id int64
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending models.PendingDeployment
		if err := tx.Where("tx_hash = ?", txHash).First(&pending).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.ErrNotFound
			}
			return fmt.Errorf("failed to get pending deployment: %w", err)
		}

		var err error
		id, err = record(tx, pending.Owner, pending.Kind, address, pending.TxHash, pending.Params())
		if err != nil {
			return err
		}
		if err := tx.Delete(&pending).Error; err != nil {
			return fmt.Errorf("failed to drop pending deployment: %w", err)
		}
		return nil
	})
	return id, err
}

func (db *PostgresDB) DropPending(ctx context.Context, txHash string) error {
	if err := db.Conn.WithContext(ctx).
		Where("tx_hash = ?", strings.ToLower(txHash)).
		Delete(&models.PendingDeployment{}).Error; err != nil {
		return fmt.Errorf("failed to drop pending deployment: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetSubscription(ctx context.Context, address string) (*models.Subscription, error) {
	address = strings.ToLower(address)
	var sub models.Subscription
	if err := db.Conn.WithContext(ctx).Where("address = ?", address).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.Subscription{Address: address, Status: models.StatusFree, Plan: models.PlanFree}, nil
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

func (db *PostgresDB) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	return saveSubscription(db.Conn.WithContext(ctx), sub)
}

func saveSubscription(tx *gorm.DB, sub *models.Subscription) error {
	sub.Address = strings.ToLower(sub.Address)
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		UpdateAll: true,
	}).Create(sub).Error; err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (db *PostgresDB) ClaimPayment(ctx context.Context, record *models.PaymentRecord) (*models.PaymentRecord, bool, error) {
	record.Address = strings.ToLower(record.Address)

	res := db.Conn.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "reference"}}, DoNothing: true}).
		Create(record)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to claim payment: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return record, true, nil
	}

	existing, err := db.GetPayment(ctx, record.Reference)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (db *PostgresDB) GetPayment(ctx context.Context, reference string) (*models.PaymentRecord, error) {
	return getPayment(db.Conn.WithContext(ctx), reference)
}

func getPayment(tx *gorm.DB, reference string) (*models.PaymentRecord, error) {
	var record models.PaymentRecord
	if err := tx.Where("reference = ?", reference).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &record, nil
}

// UpdatePayment records a non-confirming outcome. Confirmed payments are final.
func (db *PostgresDB) UpdatePayment(ctx context.Context, reference string, status models.PaymentStatus, amountWei, reason string) error {
	res := db.Conn.WithContext(ctx).Model(&models.PaymentRecord{}).
		Where("reference = ? AND status <> ?", reference, models.PaymentConfirmed).
		Updates(map[string]interface{}{
			"status":     status,
			"amount_wei": amountWei,
			"reason":     reason,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: payment %s", models.ErrNotFound, reference)
	}
	return nil
}

// ConfirmPayment marks the payment confirmed and saves the subscription in
// one transaction. Only a pending or timed-out payment can be confirmed.
func (db *PostgresDB) ConfirmPayment(ctx context.Context, reference, amountWei string, sub *models.Subscription) error {
	return db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PaymentRecord{}).
			Where("reference = ? AND status IN ?", reference, []models.PaymentStatus{models.PaymentPending, models.PaymentTimeout}).
			Updates(map[string]interface{}{
				"status":     models.PaymentConfirmed,
				"amount_wei": amountWei,
				"reason":     "",
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to confirm payment: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			existing, err := getPayment(tx, reference)
			if err != nil {
				return err
			}
			if existing.Status == models.PaymentConfirmed {
				return models.ErrDuplicatePayment
			}
			return fmt.Errorf("%w: payment %s is %s", models.ErrStateConflict, reference, existing.Status)
		}
		return saveSubscription(tx, sub)
	})
}

func (db *PostgresDB) ListPayments(ctx context.Context, rail models.Rail, statuses ...models.PaymentStatus) ([]*models.PaymentRecord, error) {
	query := db.Conn.WithContext(ctx).Where("rail = ?", rail)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var records []*models.PaymentRecord
	if err := query.Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return records, nil
}

// ListLapsed returns active subscriptions whose paid period has ended.
func (db *PostgresDB) ListLapsed(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	if err := db.Conn.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", models.StatusActive, now).
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list lapsed subscriptions: %w", err)
	}
	return subs, nil
}
