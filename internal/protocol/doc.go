// Package protocol owns the envelope data model and its wire contract.
//
// Ownership boundary:
// - envelope builder and single-point validation
// - envelope serialization (binary TLV, msgpack, cbor codecs)
// - well-known capabilities, payload hints and payload compression
//
// Frames (length-delimited envelope bytes) live in protocol/frame; the TLV
// primitives and field ids live in protocol/tlv and protocol/schema.
package protocol
