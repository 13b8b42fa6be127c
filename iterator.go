package blobstore

// Iterator walks every blob currently registered in the blobstore, one
// at a time, closing the previously-returned blob on each step (spec
// §4.J iter_first/iter_next). Unlike load-time iteration, a blob that
// fails to open mid-walk is skipped rather than aborting the whole
// iteration.
type Iterator struct {
	bs      *Blobstore
	cur     *Blob
	nextIdx uint
	done    bool
}

// IterFirst starts a fresh walk over every blob the blobstore knows
// about, ordered by metadata-page index.
func (bs *Blobstore) IterFirst() (*Iterator, error) {
	it := &Iterator{bs: bs}
	if err := it.advance(); err != nil {
		return nil, err
	}
	return it, nil
}

// Blob returns the iterator's current blob, or nil once iteration is
// exhausted.
func (it *Iterator) Blob() *Blob { return it.cur }

// Next closes the current blob and advances to the next one. Returns
// false once iteration is exhausted (mirroring the source's NULL
// sentinel).
func (it *Iterator) Next() (bool, error) {
	if it.cur != nil {
		if err := it.bs.CloseBlob(it.cur); err != nil {
			return false, err
		}
		it.cur = nil
	}
	if it.done {
		return false, nil
	}
	if err := it.advance(); err != nil {
		return false, err
	}
	return it.cur != nil, nil
}

// Close abandons the iterator, releasing its current blob if any.
func (it *Iterator) Close() error {
	if it.cur == nil {
		return nil
	}
	b := it.cur
	it.cur = nil
	it.done = true
	return it.bs.CloseBlob(b)
}

func (it *Iterator) advance() error {
	it.bs.mu.Lock()
	blobIDs := it.bs.usedBlobIDs
	it.bs.mu.Unlock()

	for {
		idx, ok := blobIDs.FindFirstSet(it.nextIdx)
		if !ok {
			it.done = true
			it.cur = nil
			return nil
		}
		it.nextIdx = idx + 1
		id := blobIDFromPage(uint32(idx))
		b, err := it.bs.OpenBlob(id, OpenBlobOpts{})
		if err != nil {
			if !IsKind(err, KindNotFound) {
				it.bs.logger.Warn("iter_next: skipping blob that failed to open", map[string]interface{}{
					"blob_id": uint64(id), "error": err.Error(),
				})
			}
			continue
		}
		it.cur = b
		return nil
	}
}
