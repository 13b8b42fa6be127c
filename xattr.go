package blobstore

import "syscall"

// SetXattr sets (or replaces) a public extended attribute on b. Takes
// effect in memory immediately; durable only after the next sync or
// close (spec §4.E set_xattr).
func (bs *Blobstore) SetXattr(b *Blob, name string, value []byte) error {
	if b.IsReadOnly() {
		return NewBlobError("set_xattr", uint64(b.id), KindPermission, syscall.EPERM, "blob is read-only")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	val := append([]byte(nil), value...)
	for i, x := range b.xattrs {
		if x.Name == name {
			b.xattrs[i].Value = val
			b.state = StateDirty
			return nil
		}
	}
	b.xattrs = append(b.xattrs, xattrEntry{Name: name, Value: val})
	b.state = StateDirty
	return nil
}

// RemoveXattr deletes a public extended attribute, returning ENOENT if
// it was never set (spec §4.E remove_xattr).
func (bs *Blobstore) RemoveXattr(b *Blob, name string) error {
	if b.IsReadOnly() {
		return NewBlobError("remove_xattr", uint64(b.id), KindPermission, syscall.EPERM, "blob is read-only")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.xattrs {
		if x.Name == name {
			b.xattrs = append(b.xattrs[:i], b.xattrs[i+1:]...)
			b.state = StateDirty
			return nil
		}
	}
	return NewBlobError("remove_xattr", uint64(b.id), KindNotFound, syscall.ENOENT, "no such xattr")
}

// GetXattrValue returns the value of a public extended attribute (spec
// §4.E get_xattr_value).
func (bs *Blobstore) GetXattrValue(b *Blob, name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, x := range b.xattrs {
		if x.Name == name {
			return append([]byte(nil), x.Value...), nil
		}
	}
	return nil, NewBlobError("get_xattr_value", uint64(b.id), KindNotFound, syscall.ENOENT, "no such xattr")
}

// GetXattrNames returns the names of every public extended attribute
// currently set on b, in insertion order (spec §4.E get_xattr_names).
func (bs *Blobstore) GetXattrNames(b *Blob) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, len(b.xattrs))
	for i, x := range b.xattrs {
		names[i] = x.Name
	}
	return names
}

// SetReadOnly marks a blob's data (and, transitively, its metadata) as
// read-only going forward. Irreversible through the public API, the
// same as the source: once data_ro is set on disk there is no
// clear_xattr-style undo (spec §4.E set_read_only / the Flags
// descriptor's data_ro/md_ro bitfields).
func (bs *Blobstore) SetReadOnly(b *Blob) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dataRoFlags = 1
	b.mdRoFlags = 1
	b.dataRO = true
	b.mdRO = true
	b.state = StateDirty
	return nil
}
