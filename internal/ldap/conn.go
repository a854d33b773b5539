package ldap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the directory protocol surface used by the resolver. A Conn serves
// a single call sequence and must be closed by its owner.
type Conn interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Dialer opens connections to endpoints.
type Dialer interface {
	Dial(ctx context.Context, ep *Endpoint) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, ep *Endpoint) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, ep *Endpoint) (Conn, error) {
	return f(ctx, ep)
}

// NetDialer dials endpoints over the network using go-ldap.
type NetDialer struct{}

// Dial opens a connection to ep, negotiating LDAPS or StartTLS as configured.
// The endpoint timeout bounds both the dial and every subsequent request.
func (NetDialer) Dial(ctx context.Context, ep *Endpoint) (Conn, error) {
	dialer := &net.Dialer{Timeout: ep.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	opts := []ldap.DialOpt{ldap.DialWithDialer(dialer)}
	if ep.TLS {
		opts = append(opts, ldap.DialWithTLSConfig(ep.TLSConfig()))
	}

	conn, err := ldap.DialURL(ep.URL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", ep.URL(), err)
	}

	if ep.StartTLS {
		if err := conn.StartTLS(ep.TLSConfig()); err != nil {
			conn.Close()
			return nil, fmt.Errorf("StartTLS with %s failed: %w", ep.URL(), err)
		}
	}

	timeout := ep.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && (timeout == 0 || remaining < timeout) {
			timeout = remaining
		}
	}
	if timeout > 0 {
		conn.SetTimeout(timeout)
	}

	return &netConn{Conn: conn}, nil
}

// netConn adapts *ldap.Conn to Conn.
type netConn struct {
	*ldap.Conn
}

func (c *netConn) Close() error {
	c.Conn.Close()
	return nil
}
