package db

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/officialexam/exam-api/internal/config"
)

// ResolveDSN returns cfg.DatabaseURL with credentials applied. Explicit
// DB_USERNAME/DB_PASSWORD win; otherwise DB_SECRET_ID is looked up with
// client (a default AWS client is built when client is nil).
func ResolveDSN(ctx context.Context, cfg *config.Config, client SecretsClient) (string, error) {
	if cfg.DBUsername != "" && cfg.DBPassword != "" {
		return WithCredentials(cfg.DatabaseURL, cfg.DBUsername, cfg.DBPassword)
	}
	if cfg.DBSecretID == "" {
		return cfg.DatabaseURL, nil
	}

	if client == nil {
		var err error
		if client, err = newSecretsClient(ctx); err != nil {
			return "", err
		}
	}
	creds, err := retrieveCredentials(ctx, client, cfg.DBSecretID)
	if err != nil {
		return "", err
	}
	return WithCredentials(cfg.DatabaseURL, creds.Username, creds.Password)
}

// WithCredentials sets user and password on a postgres URL or key=value DSN.
func WithCredentials(dsn, username, password string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse database url: %w", err)
		}
		u.User = url.UserPassword(username, password)
		return u.String(), nil
	}

	fields := strings.Fields(dsn)
	out := make([]string, 0, len(fields)+2)
	for _, f := range fields {
		if strings.HasPrefix(f, "user=") || strings.HasPrefix(f, "password=") {
			continue
		}
		out = append(out, f)
	}
	out = append(out, "user="+quoteValue(username), "password="+quoteValue(password))
	return strings.Join(out, " "), nil
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
