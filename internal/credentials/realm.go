package credentials

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// defaultPorts maps canonical schemes to the port used when a URL names none.
var defaultPorts = map[string]int{
	"s3":       443,
	"s3+http":  80,
	"postgres": 5432,
	"mongodb":  27017,
}

// DefaultPort returns the well-known port for scheme, or 0.
func DefaultPort(scheme string) int {
	return defaultPorts[canonicalScheme(scheme)]
}

func canonicalScheme(scheme string) string {
	s := strings.ToLower(scheme)
	switch s {
	case "postgresql":
		return "postgres"
	case "mongodb+srv":
		return "mongodb"
	}
	return s
}

// Realm identifies a remote server together with the credentials used to reach it.
// Two realms are equal iff scheme, host, port and credentials are equal, so a
// Realm can be used directly as a map key.
type Realm struct {
	Scheme      string
	Host        string
	Port        int
	Credentials Credentials
}

// Address returns host:port.
func (r Realm) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// URL returns the realm as a URL without a path. The password is included,
// so the result must not be logged.
func (r Realm) URL() *url.URL {
	u := &url.URL{Scheme: r.Scheme, Host: r.Address()}
	if r.Credentials.Login != "" {
		u.User = url.UserPassword(r.Credentials.Login, r.Credentials.Password)
	}
	return u
}

// String renders the realm for logs and metrics labels.
func (r Realm) String() string {
	login := ""
	if r.Credentials.Login != "" {
		login = r.Credentials.Login + "@"
	}
	return fmt.Sprintf("%s://%s%s", r.Scheme, login, r.Address())
}

// Resolver turns a URL into the realm it belongs to.
type Resolver interface {
	Resolve(ctx context.Context, u *url.URL) (Realm, error)
}

// ChainResolver resolves credentials from, in order: the URL's user info, a
// passwd file, then the scheme's environment variables. A passwd file that
// cannot be read or parsed is an error; one without a matching entry falls
// through to the environment. A realm without any credentials is still
// returned; the backend decides whether that is an error.
type ChainResolver struct {
	PasswdFile string
	UseEnv     bool
}

// NewResolver creates a resolver that reads passwdFile (if set) and the environment.
func NewResolver(passwdFile string) *ChainResolver {
	return &ChainResolver{PasswdFile: passwdFile, UseEnv: true}
}

// Resolve implements Resolver.
func (r *ChainResolver) Resolve(_ context.Context, u *url.URL) (Realm, error) {
	scheme := canonicalScheme(u.Scheme)
	if scheme == "" {
		return Realm{}, fmt.Errorf("url %q has no scheme", u.Redacted())
	}

	realm := Realm{
		Scheme: scheme,
		Host:   strings.ToLower(u.Hostname()),
		Port:   DefaultPort(scheme),
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Realm{}, fmt.Errorf("invalid port %q in %q", p, u.Redacted())
		}
		realm.Port = port
	}

	if u.User != nil {
		realm.Credentials.Login = u.User.Username()
		realm.Credentials.Password, _ = u.User.Password()
		return realm, nil
	}

	if r.PasswdFile != "" {
		var c Credentials
		err := c.LoadFromPasswdFileFor(r.PasswdFile, realm.Host)
		if err == nil {
			realm.Credentials = c
			return realm, nil
		}
		if !errors.Is(err, ErrNoPasswdEntry) {
			return Realm{}, err
		}
	}

	if r.UseEnv {
		var c Credentials
		if err := c.LoadFromEnvironment(strings.TrimSuffix(scheme, "+http")); err == nil {
			realm.Credentials = c
		}
	}
	return realm, nil
}
