// Package analytics tracks lifetime and daily download statistics plus
// destination-disk usage, backed by internal/storage's SQLite tables.
package analytics

import (
	"path/filepath"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"

	"tachyon/internal/storage"
)

// DiskUsageInfo holds disk space information for the download volume.
type DiskUsageInfo struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// Snapshot is the combined analytics view served to clients.
type Snapshot struct {
	TotalDownloaded int64            `json:"total_downloaded"`
	TotalFiles      int64            `json:"total_files"`
	DailyHistory    map[string]int64 `json:"daily_history"`
	DiskUsage       DiskUsageInfo    `json:"disk_usage"`
	CurrentSpeed    int64            `json:"current_speed"`
}

// StatsManager tracks download statistics, backed by SQLite for
// anything that must survive a restart and an atomic counter for the
// instantaneous aggregate speed.
type StatsManager struct {
	storage        *storage.Storage
	currentSpeed   int64 // atomic
	downloadPathFn func() (string, error)
}

// NewStatsManager builds a StatsManager. downloadPathFn resolves the
// directory whose volume GetDiskUsage reports on (normally
// Manager.DownloadDir).
func NewStatsManager(s *storage.Storage, downloadPathFn func() (string, error)) *StatsManager {
	return &StatsManager{storage: s, downloadPathFn: downloadPathFn}
}

// UpdateDownloadSpeed sets the current aggregate download speed.
func (sm *StatsManager) UpdateDownloadSpeed(bytesPerSec int64) {
	atomic.StoreInt64(&sm.currentSpeed, bytesPerSec)
}

// GetCurrentSpeed returns the instantaneous aggregate speed.
func (sm *StatsManager) GetCurrentSpeed() int64 {
	return atomic.LoadInt64(&sm.currentSpeed)
}

// TrackDownloadBytes records bytes toward today's running total.
// Fire-and-forget: a lost sample on process crash is acceptable, and the
// caller (the manager's bookkeeping loop) must not block on storage I/O.
func (sm *StatsManager) TrackDownloadBytes(n int64) {
	go func() {
		sm.storage.IncrementDailyBytes(n)
	}()
}

// TrackFileCompleted records one more file toward today's completed count.
func (sm *StatsManager) TrackFileCompleted() {
	go func() {
		sm.storage.IncrementDailyFiles()
	}()
}

// GetLifetimeStats returns total bytes ever downloaded.
func (sm *StatsManager) GetLifetimeStats() (int64, error) {
	return sm.storage.GetTotalLifetime()
}

// GetTotalFiles returns the total number of files ever completed.
func (sm *StatsManager) GetTotalFiles() (int64, error) {
	return sm.storage.GetTotalFiles()
}

// GetDailyStats returns the last N days of bytes-downloaded history,
// keyed by date.
func (sm *StatsManager) GetDailyStats(days int) (map[string]int64, error) {
	stats, err := sm.storage.GetDailyHistory(days)
	if err != nil {
		return make(map[string]int64), err
	}
	res := make(map[string]int64, len(stats))
	for _, stat := range stats {
		res[stat.Date] = stat.Bytes
	}
	return res, nil
}

// GetDiskUsage reports free/used/total space on the download volume.
func (sm *StatsManager) GetDiskUsage() DiskUsageInfo {
	if sm.downloadPathFn == nil {
		return DiskUsageInfo{}
	}
	downloadPath, err := sm.downloadPathFn()
	if err != nil {
		return DiskUsageInfo{}
	}

	volumePath := downloadPath
	if vol := filepath.VolumeName(downloadPath); vol != "" {
		volumePath = vol + string(filepath.Separator)
	}

	usage, err := disk.Usage(volumePath)
	if err != nil {
		return DiskUsageInfo{}
	}

	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsageInfo{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}

// Snapshot returns the combined lifetime, daily, disk, and speed view.
func (sm *StatsManager) Snapshot() Snapshot {
	lifetime, _ := sm.GetLifetimeStats()
	totalFiles, _ := sm.GetTotalFiles()
	daily, _ := sm.GetDailyStats(7)

	return Snapshot{
		TotalDownloaded: lifetime,
		TotalFiles:      totalFiles,
		DailyHistory:    daily,
		DiskUsage:       sm.GetDiskUsage(),
		CurrentSpeed:    sm.GetCurrentSpeed(),
	}
}
