package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pet-feeder-service/internal/domain/models"
)

// InterfaceFeedingStore is the durable side of the feeder: schedules, history and cat identity.
type InterfaceFeedingStore interface {
	GetCat(ctx context.Context, catID uint) (*models.Cat, error)
	UpsertSchedule(ctx context.Context, schedule *models.FeedingSchedule) (*models.FeedingSchedule, error)
	GetSchedule(ctx context.Context, id uint) (*models.FeedingSchedule, error)
	DeactivateSchedule(ctx context.Context, id uint) error
	ListActiveSchedules(ctx context.Context) ([]models.FeedingSchedule, error)
	ListSchedulesByCat(ctx context.Context, catID uint, activeOnly bool) ([]models.FeedingSchedule, error)
	FindActiveSchedules(ctx context.Context, catID uint, deviceID string) ([]models.FeedingSchedule, error)
	IsScheduleActive(ctx context.Context, key ScheduleKey) (bool, error)
	SetSchedulesActive(ctx context.Context, ids []uint, active bool) (int64, error)
	AppendHistory(ctx context.Context, entry *models.FeedingHistory, pruneBefore time.Time) error
	PruneHistory(ctx context.Context, before time.Time) (int64, error)
	ListHistory(ctx context.Context, catID uint, since time.Time) ([]models.FeedingHistory, error)
	Ping(ctx context.Context) error
}

// FeedingStore implements InterfaceFeedingStore on gorm.
type FeedingStore struct {
	DB *gorm.DB
}

// NewFeedingStore creates a gorm backed store.
func NewFeedingStore(db *gorm.DB) *FeedingStore {
	return &FeedingStore{DB: db}
}

// AutoMigrate creates or extends the tables the feeder owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Cat{},
		&models.FeedingSchedule{},
		&models.FeedingHistory{},
	)
}

// GetCat loads a cat or returns ErrCatNotFound.
func (s *FeedingStore) GetCat(ctx context.Context, catID uint) (*models.Cat, error) {
	var cat models.Cat
	if err := s.DB.WithContext(ctx).First(&cat, catID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCatNotFound
		}
		return nil, err
	}
	return &cat, nil
}

// UpsertSchedule inserts or updates by (cat_id, device_id, time); the row comes back active.
func (s *FeedingStore) UpsertSchedule(ctx context.Context, schedule *models.FeedingSchedule) (*models.FeedingSchedule, error) {
	row := models.FeedingSchedule{
		CatID:    schedule.CatID,
		DeviceID: schedule.DeviceID,
		Time:     schedule.Time,
		Amount:   schedule.Amount,
		IsActive: true,
	}

	db := s.DB.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cat_id"}, {Name: "device_id"}, {Name: "time"}},
		DoUpdates: clause.AssignmentColumns([]string{"amount", "is_active", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("upsert schedule: %w", err)
	}

	var stored models.FeedingSchedule
	if err := db.Where("cat_id = ? AND device_id = ? AND time = ?", row.CatID, row.DeviceID, row.Time).
		First(&stored).Error; err != nil {
		return nil, fmt.Errorf("reload schedule: %w", err)
	}
	return &stored, nil
}

// GetSchedule loads a schedule by id.
func (s *FeedingStore) GetSchedule(ctx context.Context, id uint) (*models.FeedingSchedule, error) {
	var schedule models.FeedingSchedule
	if err := s.DB.WithContext(ctx).First(&schedule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return &schedule, nil
}

// DeactivateSchedule is the soft delete used by the HTTP layer.
func (s *FeedingStore) DeactivateSchedule(ctx context.Context, id uint) error {
	res := s.DB.WithContext(ctx).Model(&models.FeedingSchedule{}).Where("id = ?", id).Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// MySQL reports zero for rows that were already inactive.
		if _, err := s.GetSchedule(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListActiveSchedules is read at startup to re-arm jobs.
func (s *FeedingStore) ListActiveSchedules(ctx context.Context) ([]models.FeedingSchedule, error) {
	var schedules []models.FeedingSchedule
	err := s.DB.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&schedules).Error
	return schedules, err
}

// ListSchedulesByCat lists a cat's schedules across devices, ordered by time.
func (s *FeedingStore) ListSchedulesByCat(ctx context.Context, catID uint, activeOnly bool) ([]models.FeedingSchedule, error) {
	q := s.DB.WithContext(ctx).Where("cat_id = ?", catID)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var schedules []models.FeedingSchedule
	err := q.Order("time ASC").Order("device_id ASC").Find(&schedules).Error
	return schedules, err
}

// FindActiveSchedules answers the detection policy question for one cat/device pair.
func (s *FeedingStore) FindActiveSchedules(ctx context.Context, catID uint, deviceID string) ([]models.FeedingSchedule, error) {
	var schedules []models.FeedingSchedule
	err := s.DB.WithContext(ctx).
		Where("cat_id = ? AND device_id = ? AND is_active = ?", catID, deviceID, true).
		Find(&schedules).Error
	return schedules, err
}

// IsScheduleActive re-validates a job right before it dispenses.
func (s *FeedingStore) IsScheduleActive(ctx context.Context, key ScheduleKey) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.FeedingSchedule{}).
		Where("cat_id = ? AND device_id = ? AND time = ? AND is_active = ?", key.CatID, key.DeviceID, key.Time, true).
		Count(&count).Error
	return count > 0, err
}

// SetSchedulesActive flips the flag for exactly ids in one transaction. If any id is
// missing the transaction rolls back so callers never see a partial update.
func (s *FeedingStore) SetSchedulesActive(ctx context.Context, ids []uint, active bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var affected int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.FeedingSchedule{}).Where("id IN ?", ids).Count(&count).Error; err != nil {
			return err
		}
		if count != int64(len(ids)) {
			return fmt.Errorf("schedule set changed: expected %d rows, found %d", len(ids), count)
		}
		if err := tx.Model(&models.FeedingSchedule{}).Where("id IN ?", ids).Update("is_active", active).Error; err != nil {
			return err
		}
		affected = count
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// AppendHistory inserts entry and prunes everything older than pruneBefore in one transaction.
func (s *FeedingStore) AppendHistory(ctx context.Context, entry *models.FeedingHistory, pruneBefore time.Time) error {
	entry.Timestamp = entry.Timestamp.UTC()
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		if err := tx.Where("timestamp < ?", pruneBefore.UTC()).Delete(&models.FeedingHistory{}).Error; err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
		return nil
	})
}

// PruneHistory deletes entries older than before.
func (s *FeedingStore) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Where("timestamp < ?", before.UTC()).Delete(&models.FeedingHistory{})
	return res.RowsAffected, res.Error
}

// ListHistory returns a cat's history since the given instant, newest first.
func (s *FeedingStore) ListHistory(ctx context.Context, catID uint, since time.Time) ([]models.FeedingHistory, error) {
	var entries []models.FeedingHistory
	err := s.DB.WithContext(ctx).
		Where("cat_id = ? AND timestamp >= ?", catID, since.UTC()).
		Order("timestamp DESC").
		Find(&entries).Error
	return entries, err
}

// Ping checks the underlying connection.
func (s *FeedingStore) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
