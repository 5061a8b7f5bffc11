package xiaomi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// startPrefix frames every account service JSON body.
const startPrefix = "&&&START&&&"

// looseString decodes JSON strings and numbers alike.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = looseString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

// accountResponse covers the fields of the serviceLogin family of replies.
type accountResponse struct {
	Code            int         `json:"code"`
	Description     string      `json:"desc"`
	Location        string      `json:"location"`
	Security        string      `json:"ssecurity"`
	UserID          looseString `json:"userId"`
	PassToken       string      `json:"passToken"`
	Sid             string      `json:"sid"`
	Callback        string      `json:"callback"`
	Sign            string      `json:"_sign"`
	Qs              string      `json:"qs"`
	CaptchaURL      string      `json:"captchaUrl"`
	NotificationURL string      `json:"notificationUrl"`
	Flag            int         `json:"flag"`
	MaskedPhone     string      `json:"maskedPhone"`
	MaskedEmail     string      `json:"maskedEmail"`
}

// decodeAccountJSON strips the framing prefix and decodes body into v.
func decodeAccountJSON(body []byte, v any) error {
	body = bytes.TrimPrefix(bytes.TrimSpace(body), []byte(startPrefix))
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parse account response: %w", err)
	}
	return nil
}

// uidOf converts a userId into the integer the legacy API expects.
func uidOf(userID string) (int64, error) {
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("user id %q is not numeric: %w", userID, err)
	}
	return uid, nil
}
