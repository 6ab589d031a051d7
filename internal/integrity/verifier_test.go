package integrity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySizeMatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0644))

	assert.NoError(t, VerifySize(path, 1024))
}

func TestVerifySizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 1000), 0644))

	err := VerifySize(path, 1024)
	require.Error(t, err)
	var mismatch *ErrSizeMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(1024), mismatch.Expected)
	assert.Equal(t, int64(1000), mismatch.Actual)
}

func TestVerifySizeMissingFile(t *testing.T) {
	err := VerifySize(filepath.Join(t.TempDir(), "missing.bin"), 1024)
	assert.Error(t, err)
}
