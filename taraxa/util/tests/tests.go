package tests

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Taraxa-project/taraxa-rollup-state/taraxa/util/keccak256"
)

type TestCtx struct {
	*testing.T
	Assert  *assert.Assertions
	Require *require.Assertions
	dataDir string
}

func NewTestCtx(t *testing.T) TestCtx {
	return TestCtx{T: t, Assert: assert.New(t), Require: require.New(t)}
}

func (c *TestCtx) Close() {
	if len(c.dataDir) != 0 {
		os.RemoveAll(c.dataDir)
	}
}

// DataDir returns a clean directory unique to the calling test file and
// test name.
func (c *TestCtx) DataDir() string {
	if len(c.dataDir) != 0 {
		return c.dataDir
	}
	_, testFilePath, _, _ := runtime.Caller(1)
	h := keccak256.Hash([]byte(testFilePath), []byte(c.Name()))
	c.dataDir = filepath.Join(os.TempDir(), h.Hex())
	c.Require.NoError(os.RemoveAll(c.dataDir))
	c.Require.NoError(os.MkdirAll(c.dataDir, os.ModePerm))
	return c.dataDir
}
