// Package garmin is the destination connector: session resume, SSO login
// with optional MFA, the OAuth1 to OAuth2 exchange and file upload.
//
// Structure:
//
//	gateway.go  - Gateway: Authenticate, Upload and token bookkeeping
//	sso.go      - embedded web login that yields a service ticket
//	oauth.go    - consumer download, OAuth1 preauthorize and OAuth2 exchange
//	tokens.go   - token types and the per-email session files
//	result.go   - status-driven upload classification
//	format.go   - accepted upload formats
//	config.go   - regional hosts and gateway options
package garmin
