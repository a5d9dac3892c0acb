package blockfile

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func paths(t *testing.T) (bin, meta string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "f.bin"), filepath.Join(dir, "f.meta")
}

func TestOpenOrCreate_FreshLayout(t *testing.T) {
	bin, meta := paths(t)
	bf, err := OpenOrCreate(bin, meta, 10, 4, nil, `"etag"`)
	require.NoError(t, err)
	require.Equal(t, uint32(3), bf.BlockCount()) // ceil(10/4)=3
	require.Equal(t, `"etag"`, bf.ETag())

	status, missing := bf.Status(0, 10)
	require.Equal(t, StatusEmpty, status)
	require.Len(t, missing, 1)
	require.Equal(t, BlockRange{0, 2}, missing[0])
}

func TestWriteBlock_ThenStatusComplete(t *testing.T) {
	bin, meta := paths(t)
	bf, err := OpenOrCreate(bin, meta, 10, 4, nil, "")
	require.NoError(t, err)

	require.NoError(t, bf.WriteBlock(0, []byte("abcd")))
	require.NoError(t, bf.WriteBlock(1, []byte("efgh")))

	status, missing := bf.Status(0, 8)
	require.Equal(t, StatusComplete, status)
	require.Empty(t, missing)

	status, missing = bf.Status(0, 10)
	require.Equal(t, StatusPartial, status)
	require.Len(t, missing, 1)
	require.Equal(t, BlockRange{2, 2}, missing[0])

	require.NoError(t, bf.WriteBlock(2, []byte("ij")))
	status, missing = bf.Status(0, 10)
	require.Equal(t, StatusComplete, status)
	require.Empty(t, missing)

	r, err := bf.ReadRange(0, 10)
	require.NoError(t, err)
	defer r.Close()
	var got bytes.Buffer
	_, err = got.ReadFrom(r)
	require.NoError(t, err)
	require.Equal(t, "abcdefghij", got.String())
}

func TestWriteBlock_WrongSizeRejected(t *testing.T) {
	bin, meta := paths(t)
	bf, err := OpenOrCreate(bin, meta, 10, 4, nil, "")
	require.NoError(t, err)
	require.Error(t, bf.WriteBlock(0, []byte("abc")))
}

func TestWriteBlock_AlreadyCompleteIsNoop(t *testing.T) {
	bin, meta := paths(t)
	bf, err := OpenOrCreate(bin, meta, 4, 4, nil, "")
	require.NoError(t, err)
	require.NoError(t, bf.WriteBlock(0, []byte("abcd")))
	require.NoError(t, bf.WriteBlock(0, []byte("wxyz")))

	r, err := bf.ReadRange(0, 4)
	require.NoError(t, err)
	defer r.Close()
	var got bytes.Buffer
	_, _ = got.ReadFrom(r)
	require.Equal(t, "abcd", got.String())
}

func TestOpenOrCreate_ReopenMatchingLayoutSurvivesBitmap(t *testing.T) {
	bin, meta := paths(t)
	bf, err := OpenOrCreate(bin, meta, 8, 4, nil, "")
	require.NoError(t, err)
	require.NoError(t, bf.WriteBlock(0, []byte("abcd")))
	require.NoError(t, bf.Close())

	reopened, err := OpenOrCreate(bin, meta, 8, 4, nil, "")
	require.NoError(t, err)
	status, _ := reopened.Status(0, 4)
	require.Equal(t, StatusComplete, status)
	status, _ = reopened.Status(4, 4)
	require.Equal(t, StatusEmpty, status)
}

func TestOpenOrCreate_SizeMismatchRecreates(t *testing.T) {
	bin, meta := paths(t)
	bf, err := OpenOrCreate(bin, meta, 8, 4, nil, "")
	require.NoError(t, err)
	require.NoError(t, bf.WriteBlock(0, []byte("abcd")))
	require.NoError(t, bf.Close())

	recreated, err := OpenOrCreate(bin, meta, 4, 4, nil, "")
	require.NoError(t, err)
	require.Equal(t, uint32(1), recreated.BlockCount())
	status, _ := recreated.Status(0, 4)
	require.Equal(t, StatusEmpty, status)
}

func TestFinalize_DigestMismatch(t *testing.T) {
	bin, meta := paths(t)
	wrongDigest := sha256.Sum256([]byte("not-the-content"))
	bf, err := OpenOrCreate(bin, meta, 4, 4, wrongDigest[:], "")
	require.NoError(t, err)
	require.NoError(t, bf.WriteBlock(0, []byte("abcd")))

	err = bf.Finalize()
	require.Error(t, err)
}

func TestFinalize_DigestMatch(t *testing.T) {
	bin, meta := paths(t)
	digest := sha256.Sum256([]byte("abcd"))
	bf, err := OpenOrCreate(bin, meta, 4, 4, digest[:], "")
	require.NoError(t, err)
	require.NoError(t, bf.WriteBlock(0, []byte("abcd")))
	require.NoError(t, bf.Finalize())
}

func TestZeroLengthFile(t *testing.T) {
	bin, meta := paths(t)
	bf, err := OpenOrCreate(bin, meta, 0, 4, nil, "")
	require.NoError(t, err)
	require.Equal(t, uint32(0), bf.BlockCount())
	status, missing := bf.Status(0, 0)
	require.Equal(t, StatusComplete, status)
	require.Empty(t, missing)
}

func TestDelete_RemovesBothFiles(t *testing.T) {
	bin, meta := paths(t)
	bf, err := OpenOrCreate(bin, meta, 4, 4, nil, "")
	require.NoError(t, err)
	require.NoError(t, bf.Delete())
	_, err = os.Stat(bin)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(meta)
	require.True(t, os.IsNotExist(err))
}
