package auth

import "errors"

var (
	ErrNoCredentials = errors.New("auth: no credentials configured for provider")
	ErrRefreshFailed = errors.New("auth: token refresh failed")
)
