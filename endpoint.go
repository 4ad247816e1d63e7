package redis

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint describes a Redis node to connect to. It is immutable once a
// connection attempt is under way; CommandClient.Reconnect may swap in a
// replacement before the next attempt, and SELECT/AUTH update the cached
// copy so later reconnects carry the new database/password forward.
type Endpoint struct {
	Host     string
	Port     int
	Password string // empty means no AUTH
	DB       int64  // 0..15

	// InactivityTrigger is the idle duration (seconds) after which a ping
	// probe is issued. Zero disables the probe.
	InactivityTrigger int
	// InactivityResponseTimeout is the further idle duration (seconds,
	// counted from InactivityTrigger) after which the socket is force
	// closed if no traffic arrived. With InactivityTrigger set and this
	// zero, the socket is force closed as soon as InactivityTrigger is
	// reached, without a probe.
	InactivityResponseTimeout int
}

// Addr returns the address suitable for net.Dial: the "host:port" form, or
// the raw filesystem path for a Unix domain socket endpoint (Host set to an
// absolute path, e.g. "/var/run/redis.sock").
func (e Endpoint) Addr() string {
	if isUnixAddr(e.Host) {
		return e.Host
	}
	return normalizeAddr(e.Host, e.Port)
}

// ParseURI parses a URI of shape
// redis://[:password@]host[:port][/dbIndex]
// Default port is 6379; default/absent/empty dbIndex is 0.
//
// As a special case, a uri with no scheme that starts with "/" addresses a
// Unix domain socket at that path (e.g. "/var/run/redis.sock"); Password and
// DB are not settable through this form.
func ParseURI(uri string) (Endpoint, error) {
	if isUnixAddr(uri) {
		return Endpoint{Host: uri}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("redis: invalid URI %q: %w", uri, err)
	}
	if u.Scheme != "" && u.Scheme != "redis" {
		return Endpoint{}, fmt.Errorf("redis: unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := 6379
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("redis: invalid port %q: %w", p, err)
		}
	}

	var password string
	if u.User != nil {
		password, _ = u.User.Password()
	}

	db := int64(0)
	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		db, err = strconv.ParseInt(path, 10, 64)
		if err != nil {
			return Endpoint{}, fmt.Errorf("redis: invalid database index %q: %w", path, err)
		}
		if db < 0 || db > 15 {
			return Endpoint{}, fmt.Errorf("redis: database index %d out of range 0..15", db)
		}
	}

	return Endpoint{Host: host, Port: port, Password: password, DB: db}, nil
}
