package xiaomi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Credential is the source account secret set. It is never logged.
type Credential struct {
	UserID    string
	PassToken string
	// Security is the decoded ssecurity secret.
	Security []byte
}

// Valid reports whether every part is present.
func (c *Credential) Valid() bool {
	return c != nil && c.UserID != "" && c.PassToken != "" && len(c.Security) > 0
}

// CanRefresh reports whether token re-login can be attempted.
func (c *Credential) CanRefresh() bool {
	return c != nil && c.UserID != "" && c.PassToken != ""
}

// Token returns the colon-joined "userId:passToken" form.
func (c *Credential) Token() string {
	return c.UserID + ":" + c.PassToken
}

// EncodedSecurity returns ssecurity as base64, the persisted form.
func (c *Credential) EncodedSecurity() string {
	return base64.StdEncoding.EncodeToString(c.Security)
}

// String redacts the secrets.
func (c *Credential) String() string {
	if c == nil {
		return "Credential(nil)"
	}
	return fmt.Sprintf("Credential(userId=%s)", c.UserID)
}

// ParseToken splits a "userId:passToken" string on the first colon.
func ParseToken(token string) (userID, passToken string, err error) {
	userID, passToken, ok := strings.Cut(token, ":")
	if !ok || userID == "" || passToken == "" {
		return "", "", errors.New("token must be userId:passToken")
	}
	return userID, passToken, nil
}

// DecodeSecurity decodes a persisted base64 ssecurity value.
func DecodeSecurity(encoded string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode ssecurity: %w", err)
	}
	return b, nil
}

// NewCredential builds a Credential from its persisted parts.
func NewCredential(userID, passToken, encodedSecurity string) (*Credential, error) {
	cred := &Credential{UserID: userID, PassToken: passToken}
	if encodedSecurity != "" {
		sec, err := DecodeSecurity(encodedSecurity)
		if err != nil {
			return nil, err
		}
		cred.Security = sec
	}
	return cred, nil
}
