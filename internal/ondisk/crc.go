package ondisk

import "hash/crc32"

// castagnoliTable is the CRC32C polynomial used throughout the pack's
// storage-engine readers (etcd's mvcc backend, arcticdb's snapshot
// writer, the ext4 superblock readers) — stdlib hash/crc32 already
// ships the Castagnoli table, so there is no third-party crc32c
// package to reach for here.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C of buf.
func Checksum(buf []byte) uint32 {
	return crc32.Checksum(buf, castagnoliTable)
}
