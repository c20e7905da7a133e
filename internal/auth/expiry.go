package auth

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// accessTokenExpiry reads the exp claim of a JWT-shaped access token. Opaque
// tokens and tokens without exp yield the zero time.
func accessTokenExpiry(token string) time.Time {
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return time.Time{}
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(segs[1], "="))
	if err != nil || !gjson.ValidBytes(payload) {
		return time.Time{}
	}
	exp := gjson.GetBytes(payload, "exp")
	if exp.Type != gjson.Number {
		return time.Time{}
	}
	return time.Unix(exp.Int(), 0)
}
