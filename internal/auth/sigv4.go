package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// AWSCredentials are static keys for SigV4 signing.
type AWSCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// Valid reports whether the keys and region are present.
func (c AWSCredentials) Valid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Region != ""
}

// SigV4 returns a request signer for service (e.g. "bedrock").
func SigV4(creds AWSCredentials, service string) func(*http.Request, []byte) error {
	signer := v4.NewSigner()
	return func(req *http.Request, body []byte) error {
		if !creds.Valid() {
			return ErrNoCredentials
		}
		sum := sha256.Sum256(body)
		awsCreds := aws.Credentials{
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			SessionToken:    creds.SessionToken,
			Source:          "chatdispatch",
		}
		return signer.SignHTTP(req.Context(), awsCreds, req, hex.EncodeToString(sum[:]), service, creds.Region, time.Now())
	}
}
