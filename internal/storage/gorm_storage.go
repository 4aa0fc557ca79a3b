package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"faucet/internal/domain"
	"faucet/internal/logger"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const auditAttempts = 16

type GormStorage struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStorage(driver string, dsn string) (*GormStorage, error) {
	logger.Debug("initializing database...", zap.String("driver", driver))

	var dialector gorm.Dialector
	switch driver {
	case DriverSqlite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		if dsn == "" {
			return nil, errors.New("postgres dsn is required")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm %s: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve %s sql db handle: %w", driver, err)
	}
	if driver == DriverSqlite {
		// sqlite has a single writer; one connection keeps writers from tripping over SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	err = db.AutoMigrate(
		&WalletClaim{},
		&EligibilityDecision{},
		&CooldownRecord{},
		&Disbursement{},
		&TreasuryState{},
		&AuditEvent{},
	)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", driver, err)
	}

	logger.Debug("initializing database... done")
	return &GormStorage{db: db, now: time.Now}, nil
}

func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStorage) GetWalletClaim(ctx context.Context, wallet string) (domain.WalletClaim, error) {
	var row WalletClaim
	err := s.db.WithContext(ctx).Where("wallet = ?", wallet).First(&row).Error
	if err != nil {
		return domain.WalletClaim{}, notFound(err)
	}
	return row.toDomain(), nil
}

func (s *GormStorage) FindForeignProofClaim(ctx context.Context, fingerprint string, identity domain.Identity) (domain.WalletClaim, error) {
	if fingerprint == "" {
		return domain.WalletClaim{}, domain.ErrNotFound
	}
	var row WalletClaim
	err := s.db.WithContext(ctx).
		Where("proof_fingerprint = ? AND identity <> ?", fingerprint, identity).
		Order("first_seen_at ASC").
		First(&row).Error
	if err != nil {
		return domain.WalletClaim{}, notFound(err)
	}
	return row.toDomain(), nil
}

// ClaimWallet inserts the claim unless the wallet is already claimed and
// returns whoever owns the wallet afterwards.
func (s *GormStorage) ClaimWallet(ctx context.Context, claim domain.WalletClaim) (domain.WalletClaim, bool, error) {
	row := walletClaimFromDomain(claim)
	create := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return domain.WalletClaim{}, false, create.Error
	}
	if create.RowsAffected > 0 {
		logger.Debug("wallet claim created", zap.String("wallet", claim.Wallet), zap.String("identity", claim.Identity))
		return row.toDomain(), true, nil
	}

	owner, err := s.GetWalletClaim(ctx, claim.Wallet)
	if err != nil {
		return domain.WalletClaim{}, false, err
	}
	return owner, false, nil
}

func (s *GormStorage) ReassignWallet(ctx context.Context, wallet string, identity domain.Identity) (domain.WalletClaim, error) {
	var previous WalletClaim
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("wallet = ?", wallet).First(&previous).Error; err != nil {
			return notFound(err)
		}
		return tx.Model(&WalletClaim{}).
			Where("wallet = ?", wallet).
			Updates(map[string]any{
				"identity":          identity,
				"proof_fingerprint": "",
				"updated_at":        s.now().UTC(),
			}).Error
	})
	if err != nil {
		return domain.WalletClaim{}, err
	}
	return previous.toDomain(), nil
}

// SaveDecision stores a decision. When a final decision for the request id
// already exists the stored one wins and is returned with created=false.
func (s *GormStorage) SaveDecision(ctx context.Context, decision domain.EligibilityDecision) (domain.EligibilityDecision, bool, error) {
	row := decisionFromDomain(decision)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) && !decision.Retryable {
			existing, getErr := s.GetFinalDecision(ctx, decision.RequestID)
			if getErr != nil {
				return domain.EligibilityDecision{}, false, getErr
			}
			return existing, false, nil
		}
		return domain.EligibilityDecision{}, false, err
	}
	return row.toDomain(), true, nil
}

func (s *GormStorage) GetFinalDecision(ctx context.Context, requestID string) (domain.EligibilityDecision, error) {
	var row EligibilityDecision
	err := s.db.WithContext(ctx).Where("final_request_id = ?", requestID).First(&row).Error
	if err != nil {
		return domain.EligibilityDecision{}, notFound(err)
	}
	return row.toDomain(), nil
}

func (s *GormStorage) GetDecision(ctx context.Context, id string) (domain.EligibilityDecision, error) {
	var row EligibilityDecision
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		return domain.EligibilityDecision{}, notFound(err)
	}
	return row.toDomain(), nil
}

func (s *GormStorage) GetCooldown(ctx context.Context, identity domain.Identity) (domain.CooldownRecord, error) {
	var row CooldownRecord
	err := s.db.WithContext(ctx).Where("identity = ?", identity).First(&row).Error
	if err != nil {
		return domain.CooldownRecord{}, notFound(err)
	}
	return domain.CooldownRecord{Identity: row.Identity, LastPayoutAt: row.LastPayoutAt.UTC()}, nil
}

// TouchCooldown moves last_payout_at forward to at; it never moves it back.
// The value it replaced is returned (nil when the identity had none).
func (s *GormStorage) TouchCooldown(ctx context.Context, identity domain.Identity, at time.Time) (*time.Time, error) {
	var previous *time.Time
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row CooldownRecord
		err := tx.Where("identity = ?", identity).First(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&CooldownRecord{Identity: identity, LastPayoutAt: at.UTC()}).Error
		case err != nil:
			return err
		}
		last := row.LastPayoutAt.UTC()
		previous = &last
		if !at.After(last) {
			return nil
		}
		return tx.Model(&CooldownRecord{}).
			Where("identity = ?", identity).
			Updates(map[string]any{"last_payout_at": at.UTC(), "updated_at": s.now().UTC()}).Error
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// SetCooldown overwrites the cooldown; nil clears it.
func (s *GormStorage) SetCooldown(ctx context.Context, identity domain.Identity, at *time.Time) error {
	if at == nil {
		return s.db.WithContext(ctx).Where("identity = ?", identity).Delete(&CooldownRecord{}).Error
	}
	row := CooldownRecord{Identity: identity, LastPayoutAt: at.UTC(), UpdatedAt: s.now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_payout_at", "updated_at"}),
	}).Create(&row).Error
}

// CreateDisbursement is the in-flight gate: the unique in_flight_identity
// column admits one non-terminal row per identity. A row that already exists
// for the request id is returned as is with created=false.
func (s *GormStorage) CreateDisbursement(ctx context.Context, disbursement domain.Disbursement, guard CooldownGuard) (domain.Disbursement, bool, error) {
	logger.Debug("creating pending disbursement...", zap.String("request id", disbursement.RequestID))

	row := disbursementFromDomain(disbursement)
	var existing *Disbursement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var found Disbursement
		err := tx.Where("request_id = ?", row.RequestID).First(&found).Error
		if err == nil {
			existing = &found
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var open int64
		if err := tx.Model(&Disbursement{}).Where("in_flight_identity = ?", row.Identity).Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return domain.ErrDuplicateInFlight
		}

		if guard != nil {
			var cooldown CooldownRecord
			err := tx.Where("identity = ?", row.Identity).First(&cooldown).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := guard(nil); err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				record := domain.CooldownRecord{Identity: cooldown.Identity, LastPayoutAt: cooldown.LastPayoutAt.UTC()}
				if err := guard(&record); err != nil {
					return err
				}
			}
		}

		return tx.Create(&row).Error
	})

	if err != nil && isUniqueViolation(err) {
		// lost a race: either the same request id or another in-flight row for the identity
		stored, getErr := s.GetDisbursement(ctx, disbursement.RequestID)
		if getErr == nil {
			return stored, false, nil
		}
		if !errors.Is(getErr, domain.ErrNotFound) {
			return domain.Disbursement{}, false, getErr
		}
		err = domain.ErrDuplicateInFlight
	}
	if err != nil {
		reason, vetoed := vetoReason(err)
		if !vetoed {
			return domain.Disbursement{}, false, err
		}
		return s.storeRejection(ctx, disbursement, reason, err)
	}
	if existing != nil {
		return existing.toDomain(), false, nil
	}

	logger.Debug("creating pending disbursement... done", zap.String("request id", disbursement.RequestID))
	return row.toDomain(), true, nil
}

// storeRejection settles a vetoed request id as rejected so that replaying it
// returns the same outcome instead of paying out later. It returns veto with
// the stored row unless another writer created the request id first.
func (s *GormStorage) storeRejection(ctx context.Context, disbursement domain.Disbursement, reason domain.Reason, veto error) (domain.Disbursement, bool, error) {
	logger.Debug("creating pending disbursement... rejected", zap.String("request id", disbursement.RequestID), zap.String("reason", string(reason)))

	rejected := disbursement
	rejected.Status = domain.StatusRejected
	rejected.Reason = reason
	rejected.LastError = veto.Error()
	rejected.Amount = 0
	row := disbursementFromDomain(rejected)
	insert := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "request_id"}}, DoNothing: true}).
		Create(&row)
	if insert.Error != nil {
		return domain.Disbursement{}, false, insert.Error
	}

	stored, err := s.GetDisbursement(ctx, disbursement.RequestID)
	if err != nil {
		return domain.Disbursement{}, false, err
	}
	if stored.Status != domain.StatusRejected {
		return stored, false, nil
	}
	return stored, insert.RowsAffected == 1, veto
}

// vetoReason maps the in-flight gate and cooldown guard errors to the reason
// stored on a rejected row.
func vetoReason(err error) (domain.Reason, bool) {
	switch {
	case errors.Is(err, domain.ErrDuplicateInFlight):
		return domain.ReasonDuplicateInFlight, true
	case errors.Is(err, domain.ErrRateLimited):
		return domain.ReasonRateLimited, true
	default:
		return "", false
	}
}

func (s *GormStorage) GetDisbursement(ctx context.Context, requestID string) (domain.Disbursement, error) {
	var row Disbursement
	err := s.db.WithContext(ctx).Where("request_id = ?", requestID).First(&row).Error
	if err != nil {
		return domain.Disbursement{}, notFound(err)
	}
	return row.toDomain(), nil
}

// UpdateDisbursement writes the row only if its status is still from.
func (s *GormStorage) UpdateDisbursement(ctx context.Context, disbursement domain.Disbursement, from domain.DisbursementStatus) error {
	row := disbursementFromDomain(disbursement)
	return s.updateDisbursement(ctx, row.RequestID, from, map[string]any{
		"status":             row.Status,
		"in_flight_identity": row.InFlightIdentity,
		"tx_hash":            row.TxHash,
		"nonce":              row.Nonce,
		"last_error":         row.LastError,
		"previous_payout_at": row.PreviousPayoutAt,
		"check_attempts":     row.CheckAttempts,
		"next_check_at":      row.NextCheckAt,
		"submitted_at":       row.SubmittedAt,
		"updated_at":         row.UpdatedAt,
	})
}

// NoteDisbursementError sets last_error only, leaving columns other writers
// own untouched.
func (s *GormStorage) NoteDisbursementError(ctx context.Context, requestID string, status domain.DisbursementStatus, lastError string, at time.Time) error {
	return s.updateDisbursement(ctx, requestID, status, map[string]any{
		"last_error": lastError,
		"updated_at": at.UTC(),
	})
}

// RescheduleDisbursement records a confirmation check of a submitted row.
func (s *GormStorage) RescheduleDisbursement(ctx context.Context, requestID string, attempts int, nextCheckAt time.Time, lastError string, at time.Time) error {
	return s.updateDisbursement(ctx, requestID, domain.StatusSubmitted, map[string]any{
		"check_attempts": attempts,
		"next_check_at":  nextCheckAt.UTC(),
		"last_error":     lastError,
		"updated_at":     at.UTC(),
	})
}

func (s *GormStorage) updateDisbursement(ctx context.Context, requestID string, from domain.DisbursementStatus, fields map[string]any) error {
	update := s.db.WithContext(ctx).Model(&Disbursement{}).
		Where("request_id = ? AND status = ?", requestID, string(from)).
		Updates(fields)
	if update.Error != nil {
		if isUniqueViolation(update.Error) {
			return domain.ErrDuplicateInFlight
		}
		return update.Error
	}
	if update.RowsAffected == 0 {
		if _, err := s.GetDisbursement(ctx, requestID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is no longer %s", domain.ErrInvalidTransition, requestID, from)
	}
	return nil
}

func (s *GormStorage) ListDueDisbursements(ctx context.Context, now time.Time, limit int) ([]domain.Disbursement, error) {
	var rows []Disbursement
	err := s.db.WithContext(ctx).
		Where("status = ? AND (next_check_at IS NULL OR next_check_at <= ?)", string(domain.StatusSubmitted), now.UTC()).
		Order("next_check_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]domain.Disbursement, len(rows))
	for i, row := range rows {
		result[i] = row.toDomain()
	}
	return result, nil
}

// EnsureTreasury creates the treasury row with nextNonce unless it exists.
func (s *GormStorage) EnsureTreasury(ctx context.Context, wallet string, nextNonce uint64) (domain.Treasury, error) {
	row := TreasuryState{Wallet: wallet, NextNonce: nextNonce, UpdatedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return domain.Treasury{}, err
	}
	return s.GetTreasury(ctx, wallet)
}

func (s *GormStorage) GetTreasury(ctx context.Context, wallet string) (domain.Treasury, error) {
	var row TreasuryState
	if err := s.db.WithContext(ctx).Where("wallet = ?", wallet).First(&row).Error; err != nil {
		return domain.Treasury{}, notFound(err)
	}
	return row.toDomain(), nil
}

// ReserveNonce hands out next_nonce and advances it in the same transaction.
// The increment holds the row lock until commit, so concurrent instances
// never receive the same value.
func (s *GormStorage) ReserveNonce(ctx context.Context, wallet string) (uint64, error) {
	var reserved uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&TreasuryState{}).
			Where("wallet = ? AND halted = ?", wallet, false).
			Updates(map[string]any{"next_nonce": gorm.Expr("next_nonce + 1"), "updated_at": s.now().UTC()})
		if update.Error != nil {
			return update.Error
		}

		var row TreasuryState
		if err := tx.Where("wallet = ?", wallet).First(&row).Error; err != nil {
			return notFound(err)
		}
		if update.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", domain.ErrTreasuryHalted, row.HaltReason)
		}
		reserved = row.NextNonce - 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	logger.Debug("nonce reserved", zap.String("wallet", wallet), zap.Uint64("nonce", reserved))
	return reserved, nil
}

// ReleaseNonce gives back a reserved nonce that never reached the chain. It
// only succeeds while nonce is still the latest reservation.
func (s *GormStorage) ReleaseNonce(ctx context.Context, wallet string, nonce uint64) error {
	update := s.db.WithContext(ctx).Model(&TreasuryState{}).
		Where("wallet = ? AND next_nonce = ?", wallet, nonce+1).
		Updates(map[string]any{"next_nonce": nonce, "updated_at": s.now().UTC()})
	if update.Error != nil {
		return update.Error
	}
	if update.RowsAffected == 0 {
		return fmt.Errorf("%w: nonce %d is not the latest reservation", domain.ErrNonceDesynchronized, nonce)
	}
	return nil
}

func (s *GormStorage) HaltTreasury(ctx context.Context, wallet string, reason string) error {
	return s.db.WithContext(ctx).Model(&TreasuryState{}).
		Where("wallet = ?", wallet).
		Updates(map[string]any{"halted": true, "halt_reason": reason, "updated_at": s.now().UTC()}).Error
}

func (s *GormStorage) ResumeTreasury(ctx context.Context, wallet string, nextNonce uint64) error {
	update := s.db.WithContext(ctx).Model(&TreasuryState{}).
		Where("wallet = ?", wallet).
		Updates(map[string]any{"halted": false, "halt_reason": "", "next_nonce": nextNonce, "updated_at": s.now().UTC()})
	if update.Error != nil {
		return update.Error
	}
	if update.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendAuditEvent appends one event at the chain head. Concurrent appenders
// collide on the sequence primary key and retry against the new head.
func (s *GormStorage) AppendAuditEvent(ctx context.Context, build AuditBuilder) (AuditEvent, error) {
	for attempt := 0; attempt < auditAttempts; attempt++ {
		var appended AuditEvent
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var heads []AuditEvent
			if err := tx.Order("sequence DESC").Limit(1).Find(&heads).Error; err != nil {
				return err
			}
			var head *AuditEvent
			if len(heads) > 0 {
				head = &heads[0]
			}
			event, err := build(head)
			if err != nil {
				return err
			}
			event.OccurredAt = event.OccurredAt.UTC()
			if err := tx.Create(&event).Error; err != nil {
				return err
			}
			appended = event
			return nil
		})
		if err == nil {
			return appended, nil
		}
		if !isUniqueViolation(err) {
			return AuditEvent{}, err
		}
	}
	return AuditEvent{}, errors.New("append audit event: too much contention")
}

func (s *GormStorage) ListAuditEventsByIdentity(ctx context.Context, identity domain.Identity) ([]AuditEvent, error) {
	var rows []AuditEvent
	err := s.db.WithContext(ctx).
		Where("identity = ?", identity).
		Order("occurred_at ASC").
		Order("sequence ASC").
		Find(&rows).Error
	return rows, err
}

func (s *GormStorage) ListAuditEventsByTimeRange(ctx context.Context, from, to time.Time) ([]AuditEvent, error) {
	var rows []AuditEvent
	err := s.db.WithContext(ctx).
		Where("occurred_at >= ? AND occurred_at <= ?", from.UTC(), to.UTC()).
		Order("occurred_at ASC").
		Order("sequence ASC").
		Find(&rows).Error
	return rows, err
}

func (s *GormStorage) ListAuditEvents(ctx context.Context, afterSequence uint64, limit int) ([]AuditEvent, error) {
	var rows []AuditEvent
	err := s.db.WithContext(ctx).
		Where("sequence > ?", afterSequence).
		Order("sequence ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

var _ Storage = (*GormStorage)(nil)
