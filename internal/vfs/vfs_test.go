package vfs_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/vfs"
	"github.com/stretchr/testify/require"
)

func TestCreateWriteReadRoundTrip(t *testing.T) {
	v := vfs.Init(logr.Discard())
	require.NoError(t, v.Create("/hello.txt", 0644))

	fd, err := v.Open("/hello.txt", 0)
	require.NoError(t, err)

	n, err := v.Write(fd, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, v.Close(fd))

	fd2, err := v.Open("/hello.txt", 0)
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err = v.Read(fd2, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestMkdirAndReadDir(t *testing.T) {
	v := vfs.Init(logr.Discard())
	require.NoError(t, v.Mkdir("/etc"))
	require.NoError(t, v.Create("/etc/passwd", 0644))

	entries, err := v.ReadDir("/etc")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "passwd", entries[0].Name)
}

func TestPathNormalizationResolvesEquivalently(t *testing.T) {
	v := vfs.Init(logr.Discard())
	require.NoError(t, v.Mkdir("/a"))
	require.NoError(t, v.Create("/a/b.txt", 0644))

	_, err1 := v.Open("/a/b.txt", 0)
	_, err2 := v.Open("/a/./../a/b.txt", 0)
	require.NoError(t, err1)
	require.NoError(t, err2)
}

func TestDeleteRemovesNodeFromParent(t *testing.T) {
	v := vfs.Init(logr.Discard())
	require.NoError(t, v.Create("/x.txt", 0644))
	require.NoError(t, v.Delete("/x.txt"))

	_, err := v.Open("/x.txt", 0)
	require.Error(t, err)
}

// fakeROFs is a minimal read-only MountOps used to verify mount
// delegation and the prefix-uniqueness invariant.
type fakeROFs struct{}

func (fakeROFs) Open(state interface{}, path string, flags int) (interface{}, error) {
	return path, nil
}
func (fakeROFs) Close(state interface{}, fsFd interface{}) error { return nil }
func (fakeROFs) Read(state interface{}, fsFd interface{}, offset uint64, buf []byte) (int, error) {
	data := []byte("mounted-content")
	if offset >= uint64(len(data)) {
		return 0, nil
	}
	n := copy(buf, data[offset:])
	return n, nil
}
func (fakeROFs) Write(state interface{}, fsFd interface{}, offset uint64, buf []byte) (int, error) {
	return 0, vfs.ErrReadOnly
}
func (fakeROFs) ReadDir(state interface{}, path string) ([]vfs.DirEntry, error) { return nil, nil }
func (fakeROFs) Mkdir(state interface{}, path string) error                    { return vfs.ErrReadOnly }
func (fakeROFs) Stat(state interface{}, path string) (vfs.Stat, error) {
	return vfs.Stat{Type: vfs.NodeFile, Size: 16}, nil
}
func (fakeROFs) Create(state interface{}, path string, perms uint16) error { return vfs.ErrReadOnly }
func (fakeROFs) Delete(state interface{}, path string) error              { return vfs.ErrReadOnly }

func TestMountDelegatesReadsBelowMountPoint(t *testing.T) {
	v := vfs.Init(logr.Discard())
	require.NoError(t, v.Mount("/mnt", "fakero", fakeROFs{}, nil))

	fd, err := v.Open("/mnt/whatever.txt", 0)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := v.Read(fd, buf)
	require.NoError(t, err)
	require.Equal(t, "mounted-content", string(buf[:n]))
}

func TestSecondMountUnderSamePrefixRejected(t *testing.T) {
	v := vfs.Init(logr.Discard())
	require.NoError(t, v.Mount("/mnt", "fakero", fakeROFs{}, nil))
	err := v.Mount("/mnt/sub", "fakero", fakeROFs{}, nil)
	require.Error(t, err)
}
