package database

import (
	"os"
	"path/filepath"
	"testing"

	"buildpulse/internal/config"
	"buildpulse/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteConnectionAndReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "pulse.db")
	cfg := &config.StorageConfig{Driver: "sqlite", LogLevel: "silent"}

	db, err := NewConnection(path, cfg)
	require.NoError(t, err)

	for _, m := range model.AllModels() {
		assert.True(t, db.Migrator().HasTable(m))
	}
	require.NoError(t, db.Create(&model.ScanRecord{BuildID: "b1", State: model.ScanStateScanned}).Error)
	require.NoError(t, Close(db))

	// 重新打开，数据仍在
	db, err = NewConnection(path, cfg)
	require.NoError(t, err)
	var count int64
	require.NoError(t, db.Model(&model.ScanRecord{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
	require.NoError(t, Close(db))

	require.NoError(t, Reset(path, cfg))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// 文件不存在时 Reset 也成功
	require.NoError(t, Reset(path, cfg))
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := NewConnection("x.db", &config.StorageConfig{Driver: "oracle"})
	assert.Error(t, err)
}
