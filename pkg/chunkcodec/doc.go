// Package chunkcodec encodes a RecordBatch into a contiguous, CRC-checked
// sequence of Chunks and decodes it back, and implements the hash
// partitioning operator used by shuffle.
package chunkcodec
