package ldap

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// ServerInfo is the parsed form of a server URL.
type ServerInfo struct {
	Host   string
	Port   int
	UseTLS bool
}

// Address returns host:port.
func (s *ServerInfo) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL renders the server back into ldap://host:port form.
func (s *ServerInfo) URL() string {
	scheme := "ldap"
	if s.UseTLS {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s", scheme, s.Address())
}

// ParseServerURL parses an ldap:// or ldaps:// URL, applying the
// default port for the scheme when none is given.
func ParseServerURL(raw string) (*ServerInfo, error) {
	if raw == "" {
		return nil, fmt.Errorf("server URL cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", raw, err)
	}

	info := &ServerInfo{Host: u.Hostname()}

	switch u.Scheme {
	case "ldap":
		info.Port = 389
	case "ldaps":
		info.Port = 636
		info.UseTLS = true
	default:
		return nil, fmt.Errorf("unsupported scheme %q, must be ldap:// or ldaps://", u.Scheme)
	}

	if info.Host == "" {
		return nil, fmt.Errorf("server URL %q has no host", raw)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q in server URL", p)
		}
		info.Port = port
	}

	return info, nil
}
