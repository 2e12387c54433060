// Package proxychain turns an authenticated upstream HTTP proxy into a local
// unauthenticated endpoint. Browsers cannot take proxy credentials on the
// command line, so each session gets its own loopback listener that injects
// the Proxy-Authorization header on the way out.
package proxychain

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const dialTimeout = 15 * time.Second

// Upstream describes the proxy to chain to.
type Upstream struct {
	URL      string
	Username string
	Password string
}

// Proxy is a running local endpoint. Close stops it.
type Proxy struct {
	addr     string
	upstream string
	auth     string
	listener net.Listener
	logger   zerolog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Anonymize starts a loopback listener forwarding to up. When up carries no
// credentials no listener is started and Addr returns the upstream address.
func Anonymize(ctx context.Context, up Upstream) (*Proxy, error) {
	u, err := parseUpstream(up.URL)
	if err != nil {
		return nil, err
	}

	username, password := up.Username, up.Password
	if u.User != nil && username == "" {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	p := &Proxy{
		upstream: u.Host,
		logger:   log.Logger.With().Str("component", "proxychain").Logger(),
		conns:    make(map[net.Conn]struct{}),
	}

	if username == "" && password == "" {
		p.addr = u.Host
		return p, nil
	}

	p.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen for proxy: %w", err)
	}
	p.listener = ln
	p.addr = ln.Addr().String()

	p.wg.Add(1)
	go p.serve()

	p.logger.Debug().Str("local", p.addr).Str("upstream", p.upstream).Msg("Proxy chain started")
	return p, nil
}

func parseUpstream(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("proxy url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// bare host:port
		u, err = url.Parse("http://" + raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), "80")
	}
	return u, nil
}

// Addr is the host:port the browser should use.
func (p *Proxy) Addr() string {
	return p.addr
}

// Chained reports whether a local listener is running.
func (p *Proxy) Chained() bool {
	return p.listener != nil
}

// Close stops the listener and drops open tunnels.
func (p *Proxy) Close() error {
	if p.listener == nil {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for c := range p.conns {
		c.Close()
	}
	p.mu.Unlock()

	err := p.listener.Close()
	p.wg.Wait()
	return err
}

func (p *Proxy) track(c net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.conns[c] = struct{}{}
	return true
}

func (p *Proxy) untrack(c net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, c)
}

func (p *Proxy) serve() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		if !p.track(conn) {
			conn.Close()
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.untrack(conn)
			defer conn.Close()
			if err := p.handle(conn); err != nil {
				p.logger.Debug().Err(err).Msg("Proxy connection failed")
			}
		}()
	}
}

func (p *Proxy) handle(client net.Conn) error {
	br := bufio.NewReader(client)
	req, err := http.ReadRequest(br)
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}

	upstream, err := net.DialTimeout("tcp", p.upstream, dialTimeout)
	if err != nil {
		writeStatus(client, http.StatusBadGateway)
		return fmt.Errorf("failed to dial upstream: %w", err)
	}
	if !p.track(upstream) {
		upstream.Close()
		return nil
	}
	defer p.untrack(upstream)
	defer upstream.Close()

	req.Header.Set("Proxy-Authorization", p.auth)

	if req.Method == http.MethodConnect {
		return p.tunnel(client, br, upstream, req)
	}

	// one request per connection keeps auth injection simple
	req.Close = true
	req.Header.Set("Connection", "close")
	if err := req.WriteProxy(upstream); err != nil {
		return fmt.Errorf("failed to forward request: %w", err)
	}
	_, err = io.Copy(client, upstream)
	return err
}

func (p *Proxy) tunnel(client net.Conn, clientBuf *bufio.Reader, upstream net.Conn, req *http.Request) error {
	fmt.Fprintf(upstream, "CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Authorization: %s\r\n\r\n", req.Host, req.Host, p.auth)

	upBuf := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upBuf, req)
	if err != nil {
		writeStatus(client, http.StatusBadGateway)
		return fmt.Errorf("failed to read upstream response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		writeStatus(client, resp.StatusCode)
		return fmt.Errorf("upstream refused tunnel: %s", resp.Status)
	}

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return err
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, clientBuf)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upBuf)
		done <- struct{}{}
	}()
	<-done
	return nil
}

func writeStatus(w io.Writer, code int) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\n\r\n", code, http.StatusText(code))
}
