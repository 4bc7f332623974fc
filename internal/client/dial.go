package client

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/fruitsalade/chunkshare/internal/errkind"
)

// Proxy types.
const (
	ProxySOCKS5 = "socks5"
	ProxySOCKS4 = "socks4"
	ProxyHTTP   = "http"
)

// ProxyConfig describes an optional proxy for reaching the node.
type ProxyConfig struct {
	Type     string
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns host:port of the proxy.
func (p ProxyConfig) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// newDialer returns a dialer honoring the proxy settings.
func newDialer(timeout time.Duration, p *ProxyConfig) (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if p == nil {
		return direct, nil
	}
	if p.Host == "" || p.Port <= 0 || p.Port > 65535 {
		return nil, errkind.Errorf(errkind.Config, "proxy", "invalid proxy address %q", p.Addr())
	}

	switch strings.ToLower(p.Type) {
	case ProxySOCKS5, "":
		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		d, err := proxy.SOCKS5("tcp", p.Addr(), auth, direct)
		if err != nil {
			return nil, errkind.E(errkind.Config, "proxy", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errkind.Errorf(errkind.Config, "proxy", "socks5 dialer does not support contexts")
		}
		return cd, nil
	case ProxyHTTP:
		return &connectDialer{proxyAddr: p.Addr(), user: p.Username, pass: p.Password, forward: direct}, nil
	case ProxySOCKS4:
		return nil, errkind.Errorf(errkind.Config, "proxy", "socks4 proxies are not supported, use socks5 or http")
	default:
		return nil, errkind.Errorf(errkind.Config, "proxy", "unknown proxy type %q", p.Type)
	}
}

// connectDialer tunnels through an HTTP proxy with the CONNECT method.
type connectDialer struct {
	proxyAddr string
	user      string
	pass      string
	forward   *net.Dialer
}

func (d *connectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.forward.DialContext(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.user != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(d.user + ":" + d.pass))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy connect: %w", err)
	}

	// The node never speaks first, so nothing past the headers is buffered.
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy connect: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy connect: %s", resp.Status)
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}
