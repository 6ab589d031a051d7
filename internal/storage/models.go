// Package storage is the metadata-store half of the persistence layer
// (C9): gorm-backed rows holding the materialized current state of every
// FileTask and FolderGroup, plus the small amount of ambient state (daily
// stats, saved locations, app settings, speed-test history) the rest of
// the engine needs. The write-ahead log that makes this durable across
// crashes lives in internal/wal; replaying it and folding records back
// into these rows is internal/manager's job.
//
// Schema grounded on the teacher's internal/storage/models.go
// (DownloadTask/DailyStat/AppSetting/DownloadLocation/SpeedTestHistory),
// narrowed and extended to the FileTask/FolderGroup data model. Chunk
// ranges are not stored here; their completion lives in the WAL.
package storage

import (
	"gorm.io/gorm"
)

// FileTaskRow is the persisted snapshot of one FileTask (spec §3).
type FileTaskRow struct {
	ID             string `gorm:"primaryKey" json:"id"`
	FsID           string `json:"fs_id"`
	RemotePath     string `json:"remote_path"`
	LocalPath      string `json:"local_path"`
	Filename       string `json:"filename"`
	TotalSize      int64  `json:"total_size"`
	DownloadedSize int64  `json:"downloaded_size"`
	Status         string `gorm:"index" json:"status"` // pending, downloading, paused, completed, failed, cancelled
	Speed          float64 `json:"speed"`
	GroupID        string `gorm:"index" json:"group_id,omitempty"`
	RelativePath   string `json:"relative_path,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	ETag           string `json:"etag,omitempty"`
	LastModified   string `json:"last_modified,omitempty"`
	// DoneRangesJSON is a column for a snapshot of completed chunk indices.
	// Nothing writes or reads it at present; recovery takes the done set
	// from WAL replay alone.
	DoneRangesJSON string `json:"-"`
	QueueOrder     int64  `gorm:"index" json:"queue_order"`
	CreatedAt      string `json:"created_at"`
	StartedAt      string `json:"started_at,omitempty"`
	CompletedAt    string `json:"completed_at,omitempty"`
	UpdatedAt      string `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (FileTaskRow) TableName() string { return "file_tasks" }

// FolderGroupRow is the persisted snapshot of one FolderGroup (spec §3).
type FolderGroupRow struct {
	GroupID        string `gorm:"primaryKey" json:"group_id"`
	RemoteRoot     string `json:"remote_root"`
	LocalRoot      string `json:"local_root"`
	Status         string `gorm:"index" json:"status"`
	TotalFiles     int64  `json:"total_files"`
	CompletedCount int64  `json:"completed_count"`
	TotalSize      int64  `json:"total_size"`
	DownloadedSize int64  `json:"downloaded_size"`
	ScanCompleted  bool   `json:"scan_completed"`
	// CountedChildIDsJSON is the set of child task ids already folded into
	// CompletedCount, so a child evicted from memory after completion is
	// never double-counted and never lost (spec §4.7).
	CountedChildIDsJSON string `json:"-"`
	CreatedAt           string `json:"created_at"`
	UpdatedAt           string `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"-"`
}

func (FolderGroupRow) TableName() string { return "folder_groups" }

// DailyStat tracks daily download statistics for analytics.
type DailyStat struct {
	Date  string `gorm:"primaryKey"` // "YYYY-MM-DD"
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// DownloadLocation stores saved download locations with nicknames. It is
// not connected to the config file's recent_directory key.
type DownloadLocation struct {
	Path     string `gorm:"primaryKey" json:"path"`
	Nickname string `json:"nickname"`
}

func (DownloadLocation) TableName() string { return "download_locations" }

// AppSetting stores small key-value runtime settings that don't belong in
// the config file.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }

// SpeedTestHistory stores past diagnostic speed-test results, used to
// distinguish "my ISP is slow" from "this CDN is throttling me" when the
// link-health registry's speed-anomaly detector trips.
type SpeedTestHistory struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	DownloadSpeed  float64 `json:"download_mbps"`
	UploadSpeed    float64 `json:"upload_mbps"`
	Ping           int64   `json:"ping_ms"`
	Jitter         int64   `json:"jitter_ms"`
	ISP            string  `json:"isp"`
	ServerName     string  `json:"server_name"`
	ServerLocation string  `json:"server_location"`
	Timestamp      string  `json:"timestamp"`
}

func (SpeedTestHistory) TableName() string { return "speed_test_history" }
