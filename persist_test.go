package blobstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunLengthEncodeClustersCollapsesContiguousRuns(t *testing.T) {
	bs, _ := mustInit(t, 20)
	runs := bs.runLengthEncodeClusters([]uint64{
		bs.clusterToLBA(3), bs.clusterToLBA(4), bs.clusterToLBA(5),
		bs.clusterToLBA(9),
		0, 0,
	})
	require.Equal(t, []clusterRun{
		{clusterIdx: 3, length: 3},
		{clusterIdx: 9, length: 1},
		{clusterIdx: 0, length: 2},
	}, runs)
}

func TestRunLengthEncodeClustersAllHoles(t *testing.T) {
	bs, _ := mustInit(t, 20)
	runs := bs.runLengthEncodeClusters([]uint64{0, 0, 0})
	require.Equal(t, []clusterRun{{clusterIdx: 0, length: 3}}, runs)
}

func TestRunLengthEncodeClustersEmpty(t *testing.T) {
	bs, _ := mustInit(t, 20)
	require.Nil(t, bs.runLengthEncodeClusters(nil))
}

func TestSyncBlobPersistsXattrsAcrossReopen(t *testing.T) {
	bs, _ := mustInit(t, 20)

	id, err := bs.CreateBlob(CreateBlobOpts{NumClusters: 1})
	require.NoError(t, err)

	b, err := bs.OpenBlob(id, OpenBlobOpts{})
	require.NoError(t, err)

	require.NoError(t, bs.SetXattr(b, "owner", []byte("team-storage")))
	require.NoError(t, bs.SyncBlob(b))
	require.NoError(t, bs.CloseBlob(b))

	reopened, err := bs.OpenBlob(id, OpenBlobOpts{})
	require.NoError(t, err)
	defer bs.CloseBlob(reopened)

	val, err := bs.GetXattrValue(reopened, "owner")
	require.NoError(t, err)
	require.Equal(t, []byte("team-storage"), val)
}
