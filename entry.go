package coldcache

// entryOverheadPlain is the constant per-row overhead added to byte_size on
// top of len(key)+len(value), per spec §3. It approximates the database's
// own row bookkeeping (page headers, column metadata) that isn't otherwise
// reflected in the declared size.
const entryOverheadPlain = 140

// entryOverheadEncrypted is used instead of entryOverheadPlain when
// encryption is enabled: encrypted payloads carry a nonce/tag and the
// encryption wrapper's own framing, which the declared size should
// account for even though the core never inspects the ciphertext.
const entryOverheadEncrypted = 310

// byteSize computes the declared row size: len(key)+len(value)+overhead.
// Used by Store to populate repo.Payload.ByteSize before a write.
func byteSize(key string, value []byte, encrypted bool) int64 {
	overhead := int64(entryOverheadPlain)
	if encrypted {
		overhead = entryOverheadEncrypted
	}
	return int64(len(key)) + int64(len(value)) + overhead
}
