package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Storage is the gorm-backed metadata store.
type Storage struct {
	DB *gorm.DB
}

// NewStorage opens (creating if absent) the sqlite database under dataDir
// and migrates every table this package owns.
func NewStorage(dataDir string) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "tachyon.db")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")

	if err := db.AutoMigrate(
		&FileTaskRow{},
		&FolderGroupRow{},
		&DailyStat{},
		&DownloadLocation{},
		&AppSetting{},
		&SpeedTestHistory{},
	); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Storage{DB: db}, nil
}

func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint flushes WAL-mode sqlite pages back into the main database
// file, called on graceful shutdown.
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// ---- FileTask rows ----

func (s *Storage) SaveFileTask(row FileTaskRow) error {
	row.UpdatedAt = time.Now().Format(time.RFC3339)
	return s.DB.Save(&row).Error
}

func (s *Storage) GetFileTask(id string) (FileTaskRow, error) {
	var row FileTaskRow
	err := s.DB.First(&row, "id = ?", id).Error
	return row, err
}

func (s *Storage) GetFileTaskByRemotePath(remotePath string) (FileTaskRow, error) {
	var row FileTaskRow
	err := s.DB.First(&row, "remote_path = ?", remotePath).Error
	return row, err
}

func (s *Storage) GetAllFileTasks() ([]FileTaskRow, error) {
	var rows []FileTaskRow
	err := s.DB.Order("queue_order asc").Find(&rows).Error
	return rows, err
}

// GetFileTasksByGroup returns every row belonging to the given folder group.
func (s *Storage) GetFileTasksByGroup(groupID string) ([]FileTaskRow, error) {
	var rows []FileTaskRow
	err := s.DB.Where("group_id = ?", groupID).Find(&rows).Error
	return rows, err
}

func (s *Storage) DeleteFileTask(id string) error {
	return s.DB.Where("id = ?", id).Delete(&FileTaskRow{}).Error
}

// ---- FolderGroup rows ----

func (s *Storage) SaveFolderGroup(row FolderGroupRow) error {
	row.UpdatedAt = time.Now().Format(time.RFC3339)
	return s.DB.Save(&row).Error
}

func (s *Storage) GetFolderGroup(groupID string) (FolderGroupRow, error) {
	var row FolderGroupRow
	err := s.DB.First(&row, "group_id = ?", groupID).Error
	return row, err
}

func (s *Storage) GetAllFolderGroups() ([]FolderGroupRow, error) {
	var rows []FolderGroupRow
	err := s.DB.Order("created_at desc").Find(&rows).Error
	return rows, err
}

func (s *Storage) DeleteFolderGroup(groupID string) error {
	return s.DB.Where("group_id = ?", groupID).Delete(&FolderGroupRow{}).Error
}

// ---- Daily stats ----

func (s *Storage) IncrementDailyBytes(n int64) error {
	return s.upsertDailyStat(func(d *DailyStat) { d.Bytes += n })
}

func (s *Storage) IncrementDailyFiles() error {
	return s.upsertDailyStat(func(d *DailyStat) { d.Files++ })
}

func (s *Storage) upsertDailyStat(mutate func(*DailyStat)) error {
	today := time.Now().Format("2006-01-02")
	var stat DailyStat
	err := s.DB.First(&stat, "date = ?", today).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			return err
		}
		stat = DailyStat{Date: today}
	}
	mutate(&stat)
	return s.DB.Save(&stat).Error
}

func (s *Storage) GetTotalLifetime() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Scan(&total).Error
	return total, err
}

func (s *Storage) GetTotalFiles() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Scan(&total).Error
	return total, err
}

func (s *Storage) GetDailyHistory(days int) ([]DailyStat, error) {
	var stats []DailyStat
	cutoff := time.Now().AddDate(0, 0, -days).Format("2006-01-02")
	err := s.DB.Where("date >= ?", cutoff).Order("date asc").Find(&stats).Error
	return stats, err
}

// ---- Saved locations ----

func (s *Storage) AddLocation(path, nickname string) error {
	loc := DownloadLocation{Path: path, Nickname: nickname}
	return s.DB.Save(&loc).Error
}

func (s *Storage) GetLocations() ([]DownloadLocation, error) {
	var locs []DownloadLocation
	err := s.DB.Find(&locs).Error
	return locs, err
}

// ---- App settings ----

func (s *Storage) SetString(key, val string) error {
	return s.DB.Save(&AppSetting{Key: key, Value: val}).Error
}

func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.First(&setting, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	return setting.Value, err
}

func (s *Storage) SetStringList(key string, list []string) error {
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.SetString(key, string(data))
}

func (s *Storage) GetStringList(key string) ([]string, error) {
	val, err := s.GetString(key)
	if err != nil || val == "" {
		return []string{}, err
	}
	var list []string
	if err := json.Unmarshal([]byte(val), &list); err != nil {
		return []string{}, err
	}
	return list, nil
}

// ---- Speed test history ----

func (s *Storage) SaveSpeedTest(entry SpeedTestHistory) error {
	entry.Timestamp = time.Now().Format(time.RFC3339)
	return s.DB.Create(&entry).Error
}

func (s *Storage) GetRecentSpeedTests(limit int) ([]SpeedTestHistory, error) {
	var rows []SpeedTestHistory
	err := s.DB.Order("id desc").Limit(limit).Find(&rows).Error
	return rows, err
}
