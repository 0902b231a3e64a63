package notify

import (
	"net"
	"os"
	"os/user"
	"strings"
)

// Identity names the local sender of notifications.
type Identity struct {
	User string
	Host string
}

func (i Identity) Sender() string {
	return i.User + "@" + i.Host
}

// LocalIdentity derives the sender from the login user and the fully
// qualified host name.
func LocalIdentity() Identity {
	return Identity{User: loginName(), Host: FQDN()}
}

func loginName() string {
	for _, k := range []string{"LOGNAME", "USER"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "nobody"
}

// FQDN resolves the host's canonical name, falling back to the bare hostname.
func FQDN() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	if strings.Contains(host, ".") {
		return host
	}
	if cname, err := net.LookupCNAME(host); err == nil {
		if c := strings.TrimSuffix(cname, "."); c != "" {
			return c
		}
	}
	return host
}
