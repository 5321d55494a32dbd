// Package manifest persists the pointer record of the index: which
// generation is active, where its files live, the next offset and
// generation sequence to allocate, and the bounded list of broken attempts.
//
// # Binary Format
//
//	Header (16 bytes):
//	  Magic    (4 bytes) - 0x5641474D ("VAGM")
//	  Version  (4 bytes) - format version (currently 1)
//	  Checksum (4 bytes) - CRC32-IEEE of payload
//	  Length   (4 bytes) - payload length in bytes
//
// Strings in the payload are length-prefixed (2-byte length + bytes).
//
// # Atomic Protocol
//
// Save writes MANIFEST-NNNNNN.bin and then replaces CURRENT with its name.
// The local blob store renames CURRENT into place; on S3 the commit store
// swaps it with a conditional DynamoDB write. A crash between the two steps
// leaves CURRENT pointing at the previous manifest.
package manifest
