package tunnel

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// PortMapping associates an external hostname with an internal host and port.
// It rides the wire inside ConfigSync frames; the gateway holds a working copy
// in memory for the duration of the session and never persists it.
type PortMapping struct {
	ID                   string `msgpack:"id" json:"id" yaml:"id"`
	ExternalDomain       string `msgpack:"external_domain" json:"externalDomain" yaml:"externalDomain"`
	InternalHost         string `msgpack:"internal_host" json:"internalHost" yaml:"internalHost"`
	InternalPort         int    `msgpack:"internal_port" json:"internalPort" yaml:"internalPort"`
	InternalUseTLS       bool   `msgpack:"internal_use_tls" json:"internalUseTls" yaml:"internalUseTls"`
	AllowSelfSignedCerts bool   `msgpack:"allow_self_signed" json:"allowSelfSignedCerts" yaml:"allowSelfSignedCerts"`
	Enabled              bool   `msgpack:"enabled" json:"isEnabled" yaml:"isEnabled"`
}

var domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// Hostnames that resolve to the machine itself or to cloud metadata services.
// Mappings pointing at these are rejected outright.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.internal":        true,
}

// Validate checks a single mapping against the rules the tunnel enforces at
// the configuration boundary.
func (m *PortMapping) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("mapping id is required")
	}
	if !domainPattern.MatchString(m.ExternalDomain) {
		return fmt.Errorf("external domain %q is not a valid DNS name", m.ExternalDomain)
	}
	if m.InternalPort < 1 || m.InternalPort > 65535 {
		return fmt.Errorf("internal port %d is out of range", m.InternalPort)
	}
	if err := validateInternalHost(m.InternalHost); err != nil {
		return err
	}
	return nil
}

func validateInternalHost(host string) error {
	host = strings.TrimSpace(strings.Trim(host, "[]"))
	if host == "" {
		return fmt.Errorf("internal host is required")
	}

	if blockedHostnames[strings.ToLower(host)] {
		return fmt.Errorf("internal host %q is not allowed", host)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// A non-literal hostname; resolution happens on the agent side where
		// the private network is visible.
		return nil
	}

	switch {
	case ip.IsLoopback():
		return fmt.Errorf("internal host %q is a loopback address", host)
	case ip.IsUnspecified():
		return fmt.Errorf("internal host %q is an unspecified address", host)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("internal host %q is a link-local address", host)
	}

	return nil
}
