package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mikeyg42/seedo/internal/crypto"
)

// MasterKeyEnv names the variable holding the key for "enc:" values.
const MasterKeyEnv = "SEEDO_MASTER_KEY"

const encryptedPrefix = "enc:"

// secretEnv maps environment variables onto credential fields. A set
// variable wins over the file.
func (c *Config) secretEnv() map[string]*string {
	return map[string]*string{
		"SEEDO_SMTP_USERNAME":       &c.Email.SMTP.Username,
		"SEEDO_SMTP_PASSWORD":       &c.Email.SMTP.Password,
		"SEEDO_GMAIL_CLIENT_ID":     &c.Email.Gmail.ClientID,
		"SEEDO_GMAIL_CLIENT_SECRET": &c.Email.Gmail.ClientSecret,
		"SEEDO_POSTGRES_PASSWORD":   &c.Postgres.Password,
		"SEEDO_MINIO_ACCESS_KEY":    &c.MinIO.AccessKeyID,
		"SEEDO_MINIO_SECRET_KEY":    &c.MinIO.SecretAccessKey,
	}
}

// ResolveSecrets applies environment overrides and decrypts "enc:" values
// using the master key from the environment.
func (c *Config) ResolveSecrets(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	masterKey, _ := lookup(MasterKeyEnv)

	for env, field := range c.secretEnv() {
		if v, ok := lookup(env); ok && v != "" {
			*field = v
		}
		if !strings.HasPrefix(*field, encryptedPrefix) {
			continue
		}
		if masterKey == "" {
			return fmt.Errorf("%s is encrypted but %s is not set", env, MasterKeyEnv)
		}
		plain, err := crypto.Decrypt(strings.TrimPrefix(*field, encryptedPrefix), masterKey)
		if err != nil {
			return fmt.Errorf("failed to decrypt value for %s: %w", env, err)
		}
		*field = plain
	}
	return nil
}
