package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360/stagegrid/descriptor"
)

// WriteFileset creates one file per index under fs.Dir, creating the
// directory when needed. Each file holds a short payload naming its index.
func WriteFileset(t testing.TB, fs descriptor.FilesetDescriptor, indices ...int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(fs.Dir, 0o755))
	for _, i := range indices {
		path := filepath.Join(fs.Dir, fs.FileName(i))
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("frame %d\n", i)), 0o644))
	}
}

// Range returns start, start+stride, ... up to and including end.
func Range(start, end, stride int) []int {
	var out []int
	for i := start; i <= end; i += stride {
		out = append(out, i)
	}
	return out
}
