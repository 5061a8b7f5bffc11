// Package xiaomi is the source connector for the scale vendor's health cloud.
//
// Structure:
//
//	signer.go     - nonce, signed key, RC4-drop1024 stream and request signatures
//	transport.go  - SignedTransport: one signed round trip per Call
//	session.go    - per-run cookie jar and server clock offset
//	token.go      - token re-login that refreshes ssecurity
//	login.go      - LoginMachine: password, captcha and verification flow
//	challenge.go  - Run driver feeding challenges to a Responder
//	normalize.go  - alias tables mapping raw payloads to record.Record
//	fetch.go      - cursor and legacy pagination
package xiaomi
