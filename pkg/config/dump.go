package config

import (
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"
)

const redactedValue = "***"

// YAML renders the configuration with credentials masked.
func (c *Config) YAML() ([]byte, error) {
	masked := c.masked()
	return yaml.Marshal(&masked)
}

// masked returns a copy with passwords, keys and URL credentials replaced.
func (c *Config) masked() Config {
	out := *c
	out.Backend.SQL.URL = redactURL(out.Backend.SQL.URL)
	out.Backend.MongoDB.URL = redactURL(out.Backend.MongoDB.URL)
	out.Backend.Redis.URL = redactURL(out.Backend.Redis.URL)
	out.Backend.DynamoDB.SecretAccessKey = redact(out.Backend.DynamoDB.SecretAccessKey)
	out.Backend.DynamoDB.SessionToken = redact(out.Backend.DynamoDB.SessionToken)
	out.Backend.S3.SecretAccessKey = redact(out.Backend.S3.SecretAccessKey)
	out.Backend.S3.SessionToken = redact(out.Backend.S3.SessionToken)
	out.Backend.Search.Password = redact(out.Backend.Search.Password)
	out.Backend.Search.APIKey = redact(out.Backend.Search.APIKey)
	out.Scheduler.Tasks = append([]SchedulerTaskConfig(nil), c.Scheduler.Tasks...)
	return out
}

func redact(value string) string {
	if value == "" {
		return ""
	}
	return redactedValue
}

// redactURL hides the password of URL-style DSNs. MySQL DSNs without a
// scheme are masked whole when they carry credentials.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Opaque != "" {
		if at := strings.LastIndex(raw, "@"); at >= 0 {
			return redactedValue + raw[at:]
		}
		return raw
	}
	if _, hasPassword := parsed.User.Password(); hasPassword {
		parsed.User = url.UserPassword(parsed.User.Username(), redactedValue)
	}
	return parsed.String()
}
