package requests

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blobstore-go/blobstore/backend"
)

func TestPoolTryAcquireExhaustion(t *testing.T) {
	p := NewPool(2)
	require.True(t, p.TryAcquire())
	require.True(t, p.TryAcquire())
	require.False(t, p.TryAcquire())
	require.Equal(t, 2, p.InUse())
}

func TestPoolReleaseHandsSlotToWaiter(t *testing.T) {
	p := NewPool(1)
	require.True(t, p.TryAcquire())
	require.False(t, p.TryAcquire())

	reacquired := false
	p.Enqueue(func() { reacquired = p.TryAcquire() })
	require.Equal(t, 1, p.WaitQueueDepth())

	p.Release()
	require.True(t, reacquired, "queued retry must run synchronously inside Release, while the freed slot is still up for grabs")
	require.Equal(t, 1, p.InUse(), "retry's own TryAcquire claimed the slot Release just freed")
	require.Equal(t, 0, p.WaitQueueDepth())
}

func TestPoolReleaseWithNoWaiterFreesSlot(t *testing.T) {
	p := NewPool(1)
	require.True(t, p.TryAcquire())
	p.Release()
	require.Equal(t, 0, p.InUse())
	require.True(t, p.TryAcquire())
}

func TestUserOpExecuteAndComplete(t *testing.T) {
	buf := make([]byte, 512)
	var gotErr error
	op := AllocUserOp(UserOpWrite, buf, nil, 0, 1, "arg", func(arg interface{}, err error) {
		require.Equal(t, "arg", arg)
		gotErr = err
	})

	var executed *UserOp
	op.Execute(func(o *UserOp) {
		executed = o
		o.Complete(nil)
	})
	require.Same(t, op, executed)
	require.NoError(t, gotErr)
}

func TestUserOpAbort(t *testing.T) {
	var gotErr error
	op := AllocUserOp(UserOpRead, nil, nil, 0, 1, nil, func(_ interface{}, err error) { gotErr = err })
	op.Abort(syscall.EIO)
	require.ErrorIs(t, gotErr, syscall.EIO)
}

func TestEngineBatchOpenENOMEM(t *testing.T) {
	e := NewEngine(1)
	dev := backend.NewMemory(1<<20, 512)
	ch, err := dev.CreateChannel()
	require.NoError(t, err)

	b1, err := e.BatchOpen(ch, nil, func(interface{}, error) {})
	require.NoError(t, err)
	require.NotNil(t, b1)

	_, err = e.BatchOpen(ch, nil, func(interface{}, error) {})
	require.ErrorIs(t, err, syscall.ENOMEM)

	b1.Close()
	b2, err := e.BatchOpen(ch, nil, func(interface{}, error) {})
	require.NoError(t, err)
	require.NotNil(t, b2)
	b2.Close()
}

func TestBatchFansOutAndFiresOnceOnClose(t *testing.T) {
	e := NewEngine(4)
	dev := backend.NewMemory(1<<20, 512)
	ch, err := dev.CreateChannel()
	require.NoError(t, err)

	fired := 0
	var finalErr error
	b, err := e.BatchOpen(ch, "done", func(arg interface{}, err error) {
		fired++
		finalErr = err
		require.Equal(t, "done", arg)
	})
	require.NoError(t, err)

	buf := make([]byte, 512)
	b.Write(buf, 0, 1)
	b.Write(buf, 1, 1)
	b.Read(buf, 0, 1)
	require.Equal(t, 0, fired, "completion must not fire before Close")

	b.Close()
	require.Equal(t, 1, fired)
	require.NoError(t, finalErr)
	require.Equal(t, 0, e.pool.InUse())
}

func TestBatchCloseAfterOpsFinishFiresOnce(t *testing.T) {
	e := NewEngine(4)
	dev := backend.NewMemory(1<<20, 512)
	ch, err := dev.CreateChannel()
	require.NoError(t, err)

	fired := 0
	b, err := e.BatchOpen(ch, nil, func(interface{}, error) { fired++ })
	require.NoError(t, err)

	buf := make([]byte, 512)
	b.Write(buf, 0, 1)
	b.Close()
	require.Equal(t, 1, fired, "backend.Memory completes synchronously so Close sees outstanding already at zero")
}

func TestBatchFirstErrorWins(t *testing.T) {
	e := NewEngine(4)
	dev := backend.NewMemory(512, 512)
	ch, err := dev.CreateChannel()
	require.NoError(t, err)

	var finalErr error
	b, err := e.BatchOpen(ch, nil, func(_ interface{}, err error) { finalErr = err })
	require.NoError(t, err)

	buf := make([]byte, 512)
	b.Write(buf, 0, 1)       // in range, succeeds
	b.Write(buf, 100, 1)     // out of range, EINVAL
	b.Close()
	require.Error(t, finalErr)
}

func TestSequenceReadWriteAndFinish(t *testing.T) {
	e := NewEngine(2)
	dev := backend.NewMemory(1<<20, 512)
	ch, err := dev.CreateChannel()
	require.NoError(t, err)

	finished := false
	var finishErr error
	seq, err := e.SequenceStart(ch, nil, func(_ interface{}, err error) {
		finished = true
		finishErr = err
	})
	require.NoError(t, err)

	written := []byte("hello-seq-payload")
	wbuf := make([]byte, 512)
	copy(wbuf, written)

	seq.Write(wbuf, 0, 1, func(s *Sequence, err error) {
		require.NoError(t, err)
		rbuf := make([]byte, 512)
		s.Read(rbuf, 0, 1, func(s *Sequence, err error) {
			require.NoError(t, err)
			require.Equal(t, wbuf, rbuf)
			s.Finish(nil)
		})
	})

	require.True(t, finished)
	require.NoError(t, finishErr)
	require.Equal(t, 0, e.pool.InUse())
}

func TestSequenceStartENOMEM(t *testing.T) {
	e := NewEngine(1)
	dev := backend.NewMemory(1<<20, 512)
	ch, err := dev.CreateChannel()
	require.NoError(t, err)

	seq, err := e.SequenceStart(ch, nil, func(interface{}, error) {})
	require.NoError(t, err)
	require.NotNil(t, seq)

	_, err = e.SequenceStart(ch, nil, func(interface{}, error) {})
	require.ErrorIs(t, err, syscall.ENOMEM)

	ran := false
	e.EnqueueRetry(func() { ran = true })
	seq.Finish(nil)
	require.True(t, ran)
}

func TestSequenceToBatchCarriesPoolSlot(t *testing.T) {
	e := NewEngine(1)
	dev := backend.NewMemory(1<<20, 512)
	ch, err := dev.CreateChannel()
	require.NoError(t, err)

	seq, err := e.SequenceStart(ch, nil, func(interface{}, error) {})
	require.NoError(t, err)
	require.Equal(t, 1, e.pool.InUse())

	fired := 0
	batch := seq.ToBatch(func(interface{}, error) { fired++ })
	require.Equal(t, 1, e.pool.InUse(), "ToBatch must not release then reacquire")

	buf := make([]byte, 512)
	batch.Write(buf, 0, 1)
	batch.Close()
	require.Equal(t, 1, fired)
	require.Equal(t, 0, e.pool.InUse())
}
