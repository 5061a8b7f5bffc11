// Package http provides the shared HTTP base client used by the source and
// target connectors.
//
// Structure:
//
//	client.go  - HTTP client with rate limiting, retry, cookie jar and redirect hooks
//	auth.go    - Authentication strategies (Bearer, cookie header)
//	body.go    - Form and multipart body helpers
package http
