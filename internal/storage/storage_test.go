package storage

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *Storage {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	db.Exec("PRAGMA journal_mode=WAL;")

	require.NoError(t, db.AutoMigrate(
		&FileTaskRow{},
		&FolderGroupRow{},
		&DailyStat{},
		&DownloadLocation{},
		&AppSetting{},
		&SpeedTestHistory{},
	))

	return &Storage{DB: db}
}

func TestFileTaskCRUD(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	row := FileTaskRow{
		ID:         "task-1",
		RemotePath: "/movies/a.mkv",
		LocalPath:  "/downloads/a.mkv",
		Filename:   "a.mkv",
		TotalSize:  1024,
		Status:     "pending",
	}
	require.NoError(t, s.SaveFileTask(row))

	got, err := s.GetFileTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, "a.mkv", got.Filename)

	got.Status = "completed"
	got.DownloadedSize = 1024
	require.NoError(t, s.SaveFileTask(got))

	updated, err := s.GetFileTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", updated.Status)

	all, err := s.GetAllFileTasks()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteFileTask("task-1"))
	all, err = s.GetAllFileTasks()
	require.NoError(t, err)
	assert.Empty(t, all, "soft-deleted rows must not appear in normal queries")
}

func TestFolderGroupCRUD(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	row := FolderGroupRow{
		GroupID:    "group-1",
		RemoteRoot: "/movies",
		LocalRoot:  "/downloads/movies",
		Status:     "scanning",
	}
	require.NoError(t, s.SaveFolderGroup(row))

	got, err := s.GetFolderGroup("group-1")
	require.NoError(t, err)
	assert.Equal(t, "scanning", got.Status)

	child := FileTaskRow{ID: "child-1", GroupID: "group-1", Status: "downloading"}
	require.NoError(t, s.SaveFileTask(child))

	children, err := s.GetFileTasksByGroup("group-1")
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestDailyStats(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	require.NoError(t, s.IncrementDailyBytes(100))
	require.NoError(t, s.IncrementDailyBytes(100))
	require.NoError(t, s.IncrementDailyFiles())
	require.NoError(t, s.IncrementDailyFiles())

	total, err := s.GetTotalLifetime()
	require.NoError(t, err)
	assert.EqualValues(t, 200, total)

	files, err := s.GetTotalFiles()
	require.NoError(t, err)
	assert.EqualValues(t, 2, files)

	history, err := s.GetDailyHistory(7)
	require.NoError(t, err)
	today := time.Now().Format("2006-01-02")
	var found bool
	for _, stat := range history {
		if stat.Date == today {
			found = true
			assert.EqualValues(t, 200, stat.Bytes)
			assert.EqualValues(t, 2, stat.Files)
		}
	}
	assert.True(t, found)
}

func TestLocations(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	require.NoError(t, s.AddLocation("/downloads/games", "Gaming Drive"))
	locs, err := s.GetLocations()
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, "Gaming Drive", locs[0].Nickname)

	require.NoError(t, s.AddLocation("/downloads/games", "SSD Games"))
	locs, err = s.GetLocations()
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, "SSD Games", locs[0].Nickname)
}

func TestAppSettings(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	require.NoError(t, s.SetString("ws_token", "secret-123"))
	val, err := s.GetString("ws_token")
	require.NoError(t, err)
	assert.Equal(t, "secret-123", val)

	require.NoError(t, s.SetStringList("cors_origins", []string{"http://localhost:3000"}))
	list, err := s.GetStringList("cors_origins")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:3000"}, list)
}

func TestSpeedTestHistory(t *testing.T) {
	s := setupTestDB(t)
	defer s.Close()

	require.NoError(t, s.SaveSpeedTest(SpeedTestHistory{DownloadSpeed: 100.5, ISP: "Example ISP"}))
	rows, err := s.GetRecentSpeedTests(5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Example ISP", rows[0].ISP)
}
