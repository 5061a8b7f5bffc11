// Package artifact chunks records, encodes each chunk as a FIT weight file
// and writes it where the uploader can pick it up.
//
// Structure:
//
//	chunk.go    - order-preserving chunking and collision-free names
//	fit.go      - Encoder interface and the FIT weight encoder
//	writer.go   - temp-file-and-rename writer with optional archiving
//	archive.go  - Archive interface, local directory archive, error codes
//	s3.go       - MinIO/S3 archive
package artifact
