package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type roomRow struct {
	PlayerID  int       `gorm:"primaryKey;autoIncrement:false"`
	RoomID    int       `gorm:"not null"`
	GameID    int       `gorm:"not null;default:0"`
	SessionID string    `gorm:"type:varchar(36)"`
	SavedAt   time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

func (roomRow) TableName() string { return "last_rooms" }

type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&roomRow{}); err != nil {
		return nil, multierr.Append(err, closeDB(db))
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveRoom(ctx context.Context, rec RoomRecord) error {
	row := roomRow{PlayerID: rec.PlayerID, RoomID: rec.RoomID, GameID: rec.GameID, SessionID: rec.SessionID, SavedAt: rec.SavedAt}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "player_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"room_id", "game_id", "session_id", "saved_at", "updated_at"}),
	}).Create(&row).Error
}

func (s *PostgresStore) LoadRoom(ctx context.Context, playerID int) (RoomRecord, error) {
	var row roomRow
	err := s.db.WithContext(ctx).First(&row, "player_id = ?", playerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomRecord{}, ErrNotFound
	}
	if err != nil {
		return RoomRecord{}, err
	}
	return RoomRecord{PlayerID: row.PlayerID, RoomID: row.RoomID, GameID: row.GameID, SessionID: row.SessionID, SavedAt: row.SavedAt}, nil
}

func (s *PostgresStore) ClearRoom(ctx context.Context, playerID int) error {
	return s.db.WithContext(ctx).Delete(&roomRow{}, "player_id = ?", playerID).Error
}

func (s *PostgresStore) Close() error { return closeDB(s.db) }

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
