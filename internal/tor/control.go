package tor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/cretz/bine/control"
	"golang.org/x/net/proxy"
)

// ControlPort sends NEWNYM over the local control protocol. A fresh
// connection is opened for every signal.
type ControlPort struct {
	Addr     string
	Password string
	Timeout  time.Duration
}

// NewControlPort targets the control port at addr with a 10s timeout.
func NewControlPort(addr, password string) *ControlPort {
	return &ControlPort{Addr: addr, Password: password, Timeout: 10 * time.Second}
}

// NewIdentity authenticates and signals NEWNYM.
func (p *ControlPort) NewIdentity(ctx context.Context) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("dial control port %s: %w", p.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if p.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(p.Timeout))
	}

	ctrl := control.NewConn(textproto.NewConn(conn))
	defer ctrl.Close()

	if err := ctrl.Authenticate(p.Password); err != nil {
		return fmt.Errorf("authenticate control port: %w", err)
	}
	if err := ctrl.Signal("NEWNYM"); err != nil {
		return fmt.Errorf("signal NEWNYM: %w", err)
	}
	return nil
}

// DialContextFunc matches http.Transport.DialContext.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// SOCKSDialer returns a dialer that routes every connection through the
// SOCKS5 proxy at addr.
func SOCKSDialer(addr string, timeout time.Duration) (DialContextFunc, error) {
	d, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer %s: %w", addr, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer %s does not support contexts", addr)
	}
	return cd.DialContext, nil
}

// Transport returns a fresh transport. When socksAddr is set all traffic goes
// through the SOCKS proxy and keep-alives are disabled so a rotated circuit
// is not reused. A positive maxHeaderBytes pins the transport to HTTP/1.1,
// where the limit surfaces as a recognisable error.
func Transport(socksAddr string, timeout time.Duration, maxHeaderBytes int64) (*http.Transport, error) {
	t := &http.Transport{
		Proxy:                  http.ProxyFromEnvironment,
		MaxIdleConns:           100,
		MaxIdleConnsPerHost:    10,
		IdleConnTimeout:        90 * time.Second,
		TLSHandshakeTimeout:    15 * time.Second,
		ResponseHeaderTimeout:  timeout,
		MaxResponseHeaderBytes: maxHeaderBytes,
	}
	if maxHeaderBytes > 0 {
		t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	if socksAddr != "" {
		dial, err := SOCKSDialer(socksAddr, timeout)
		if err != nil {
			return nil, err
		}
		t.Proxy = nil
		t.DialContext = dial
		t.DisableKeepAlives = true
	}
	return t, nil
}
