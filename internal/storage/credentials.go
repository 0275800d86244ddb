package storage

import (
	"fmt"
	"os"

	"dsync/internal/common"

	"github.com/goccy/go-json"
)

// S3Credentials is the JSON key file for the multipart destination.
type S3Credentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken,omitempty"`
}

// LoadS3Credentials reads and validates a key file. It is called once per
// transfer so rotated keys are picked up without a restart.
func LoadS3Credentials(path string) (S3Credentials, error) {
	var creds S3Credentials
	if path == "" {
		return creds, common.MissingConfig("destination.key_file")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return creds, &common.ConfigurationError{Field: "destination.key_file", Reason: err.Error()}
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, &common.ConfigurationError{
			Field:  "destination.key_file",
			Reason: fmt.Sprintf("parsing %s: %v", path, err),
		}
	}

	switch {
	case creds.AccessKeyID == "":
		return creds, &common.ConfigurationError{Field: "destination.key_file", Reason: "accessKeyId is empty"}
	case creds.SecretAccessKey == "":
		return creds, &common.ConfigurationError{Field: "destination.key_file", Reason: "secretAccessKey is empty"}
	}
	return creds, nil
}

// Apply copies the credentials into an S3 config.
func (c S3Credentials) Apply(cfg Config) Config {
	cfg.AccessKey = c.AccessKeyID
	cfg.SecretKey = c.SecretAccessKey
	cfg.SessionToken = c.SessionToken
	return cfg
}
