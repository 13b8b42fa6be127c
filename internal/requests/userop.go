package requests

// UserOpKind identifies which public I/O entrypoint a deferred UserOp
// should be replayed against.
type UserOpKind int

const (
	UserOpRead UserOpKind = iota
	UserOpWrite
	UserOpReadv
	UserOpWritev
	UserOpUnmap
	UserOpWriteZeroes
)

// UserOpCompletion reports the result of a deferred op back to its
// original caller.
type UserOpCompletion func(arg interface{}, err error)

// UserOp captures one public-API I/O call that cannot run immediately
// (most notably, a call that arrives while the frozen-I/O gate is held
// during a snapshot). It is replayed later via Execute, or completed
// with an error via Abort without being executed.
type UserOp struct {
	Kind   UserOpKind
	Buf    []byte
	Iovs   [][]byte
	Offset uint64
	Length uint64

	arg interface{}
	cb  UserOpCompletion
}

// AllocUserOp stores a deferred op. executeFn, supplied later to
// Execute, is the blob's public I/O entrypoint for Kind.
func AllocUserOp(kind UserOpKind, buf []byte, iovs [][]byte, offset, length uint64, arg interface{}, cb UserOpCompletion) *UserOp {
	return &UserOp{Kind: kind, Buf: buf, Iovs: iovs, Offset: offset, Length: length, arg: arg, cb: cb}
}

// Execute hands the op to executeFn, the blob's dispatcher for ops of
// this Kind, so the gate holding the op does not need to know how to
// perform I/O itself.
func (u *UserOp) Execute(executeFn func(op *UserOp)) {
	executeFn(u)
}

// Complete reports the op's result to its original caller. Called by
// executeFn once the replayed I/O finishes.
func (u *UserOp) Complete(err error) {
	u.cb(u.arg, err)
}

// Abort completes the op immediately with err without ever executing
// it.
func (u *UserOp) Abort(err error) {
	u.Complete(err)
}
