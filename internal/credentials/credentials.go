package credentials

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoPasswdEntry is returned when a passwd file has neither an entry for
// the host nor a default entry.
var ErrNoPasswdEntry = errors.New("no passwd entry")

// Credentials holds the login material for one realm.
// It is a comparable value so it can take part in pool keys.
type Credentials struct {
	Login        string
	Password     string
	SessionToken string
}

// NewCredentials creates a new credentials instance
func NewCredentials() *Credentials {
	return &Credentials{}
}

// LoadFromPasswdFile loads the default entry of a passwd file.
// See LoadFromPasswdFileFor for the format.
func (c *Credentials) LoadFromPasswdFile(path string) error {
	return c.LoadFromPasswdFileFor(path, "")
}

// LoadFromPasswdFileFor loads credentials for host from a passwd file.
//
// Each non-empty line is either LOGIN:PASSWORD (the default entry) or
// HOST:LOGIN:PASSWORD. Lines starting with # are ignored. An entry for host
// wins over the default one.
func (c *Credentials) LoadFromPasswdFileFor(path, host string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read passwd file: %w", err)
	}
	defer f.Close()

	var def, match *Credentials
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ":")
		switch len(parts) {
		case 2:
			if def == nil {
				def = &Credentials{
					Login:    strings.TrimSpace(parts[0]),
					Password: strings.TrimSpace(parts[1]),
				}
			}
		case 3:
			if host != "" && strings.EqualFold(strings.TrimSpace(parts[0]), host) && match == nil {
				match = &Credentials{
					Login:    strings.TrimSpace(parts[1]),
					Password: strings.TrimSpace(parts[2]),
				}
			}
		default:
			return fmt.Errorf("invalid passwd file format at line %d, expected [HOST:]LOGIN:PASSWORD", lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read passwd file: %w", err)
	}

	switch {
	case match != nil:
		*c = *match
	case def != nil:
		*c = *def
	default:
		return fmt.Errorf("%w for %q", ErrNoPasswdEntry, host)
	}
	return nil
}

// envKeys lists the login, password and session token variables per scheme.
var envKeys = map[string][3]string{
	"s3":       {"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN"},
	"postgres": {"PGUSER", "PGPASSWORD", ""},
	"mongodb":  {"MONGODB_USERNAME", "MONGODB_PASSWORD", ""},
}

// LoadFromEnvironment loads credentials for scheme from its conventional
// environment variables (AWS_* for s3, PG* for postgres, MONGODB_* for mongodb).
func (c *Credentials) LoadFromEnvironment(scheme string) error {
	keys, ok := envKeys[canonicalScheme(scheme)]
	if !ok {
		return fmt.Errorf("no environment credentials for scheme %q", scheme)
	}

	login := os.Getenv(keys[0])
	password := os.Getenv(keys[1])
	if login == "" || password == "" {
		return fmt.Errorf("%s and %s must be set", keys[0], keys[1])
	}

	c.Login = login
	c.Password = password
	if keys[2] != "" {
		c.SessionToken = os.Getenv(keys[2])
	}
	return nil
}

// IsValid checks if credentials are valid (both login and password are set)
func (c Credentials) IsValid() bool {
	return c.Login != "" && c.Password != ""
}

// IsZero reports whether no credential field is set.
func (c Credentials) IsZero() bool {
	return c == Credentials{}
}

// String never prints secrets.
func (c Credentials) String() string {
	if c.IsZero() {
		return "<none>"
	}
	return c.Login + ":****"
}
