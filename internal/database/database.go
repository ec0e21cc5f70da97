package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joshcassell4/docorcpty/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	return migrate()
}

func migrate() error {
	if err := DB.AutoMigrate(&Setting{}, &SessionRecord{}, &AutomationRun{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	if err := seedDefaults(); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}
	return nil
}

func seedDefaults() error {
	defaults := map[string]string{
		"orchestrator_backend": "auto",
	}

	for key, value := range defaults {
		var count int64
		DB.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := DB.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}
	return nil
}

// CloseStaleSessions marks sessions left open by a previous server process
// as closed. Live sessions never survive a restart.
func CloseStaleSessions(now time.Time) (int64, error) {
	res := DB.Model(&SessionRecord{}).
		Where("status <> ?", "closed").
		Updates(map[string]interface{}{
			"status":       "closed",
			"close_reason": "shutdown",
			"closed_at":    now,
		})
	return res.RowsAffected, res.Error
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	if DB == nil {
		return "", fmt.Errorf("database not initialized")
	}
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}
