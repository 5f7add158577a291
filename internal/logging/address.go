package logging

import (
	"errors"
	"net"
	"strconv"
	"strings"
)

const defaultHost = "localhost"

// Address is a backend endpoint. A zero Port means "use the backend default".
type Address struct {
	Host string
	Port int
}

// ParseAddress accepts "host", "host:port" or ":port".
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, nil
	}

	if !strings.Contains(s, ":") || (strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")) {
		return Address{Host: strings.Trim(s, "[]")}, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, errors.Join(ErrInvalidAddress, err)
	}

	var port int
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return Address{}, errors.Join(ErrInvalidAddress, errors.New("port out of range: "+portStr))
		}
	}

	return Address{Host: host, Port: port}, nil
}

// WithDefaults fills in the host and port when they are unset.
func (a Address) WithDefaults(port int) Address {
	if a.Host == "" {
		a.Host = defaultHost
	}
	if a.Port <= 0 {
		a.Port = port
	}
	return a
}

// HostPort formats the address for dialers and URLs.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) String() string {
	if a.Port <= 0 {
		return a.Host
	}
	return a.HostPort()
}
