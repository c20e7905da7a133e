package auth

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fakeAccessToken(payload string) string {
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(`{"alg":"none"}`)) + "." + enc.EncodeToString([]byte(payload)) + ".sig"
}

func TestAccessTokenExpiry(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  int64
	}{
		{name: "opaque", token: "ya29.opaque-token"},
		{name: "too many segments", token: "a.b.c.d"},
		{name: "bad base64", token: "h.!!!.s"},
		{name: "payload not json", token: fakeAccessToken("nope")},
		{name: "no exp", token: fakeAccessToken(`{"sub":"svc"}`)},
		{name: "string exp", token: fakeAccessToken(`{"exp":"soon"}`)},
		{name: "numeric exp", token: fakeAccessToken(`{"exp":1700000000}`), want: 1700000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := accessTokenExpiry(tt.token)
			if tt.want == 0 {
				assert.True(t, got.IsZero(), "got %v", got)
				return
			}
			assert.Equal(t, tt.want, got.Unix())
		})
	}
}
