// Copyright (c) 2024 the Kestrel authors
// released under the MIT license

package irc

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// connectTransport turns a ConnectionConfig into a connected, line-capable
// IRCConn, or fails with a *ConnectionError. The strategy (direct, TLS,
// proxied, websocket) is decided here, once, from the config; whatever is
// returned behaves identically to the caller.
func connectTransport(config *ConnectionConfig) (IRCConn, error) {
	if config.Websocket {
		return connectWebsocket(config)
	}

	conn, err := dialProxied(config, config.Addr())
	if err != nil {
		return nil, err
	}

	if config.TLS {
		conn, err = wrapTLS(conn, config)
		if err != nil {
			return nil, err
		}
	}

	return NewIRCStreamConn(conn), nil
}

// dialProxied opens the underlying TCP connection to addr, tunneling
// through the configured proxy if there is one.
func dialProxied(config *ConnectionConfig, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: config.ConnectTimeout}

	if config.Proxy == nil {
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return nil, classifyDialError(err)
		}
		return conn, nil
	}

	switch config.Proxy.Type {
	case ProxySocks5, ProxyTor:
		var auth *proxy.Auth
		if config.Proxy.Username != "" {
			auth = &proxy.Auth{
				User:     config.Proxy.Username,
				Password: config.Proxy.Password,
			}
		}
		socksDialer, err := proxy.SOCKS5("tcp", config.Proxy.Address(), auth, dialer)
		if err != nil {
			return nil, &ConnectionError{Kind: ConnectionErrorProxy, cause: err}
		}
		conn, err := socksDialer.Dial("tcp", addr)
		if err != nil {
			return nil, &ConnectionError{Kind: ConnectionErrorProxy, cause: err}
		}
		return conn, nil
	case ProxyHTTP:
		conn, err := dialer.Dial("tcp", config.Proxy.Address())
		if err != nil {
			return nil, &ConnectionError{Kind: ConnectionErrorProxy, cause: err}
		}
		if err := httpConnect(conn, config.Proxy, addr, config.ConnectTimeout); err != nil {
			conn.Close()
			return nil, &ConnectionError{Kind: ConnectionErrorProxy, cause: err}
		}
		return conn, nil
	default:
		return nil, &ConnectionError{Kind: ConnectionErrorProxy, cause: fmt.Errorf("unsupported proxy type %s", config.Proxy.Type)}
	}
}

// httpConnect performs an HTTP CONNECT handshake over an established
// connection to the proxy, requesting a relay to target.
func httpConnect(conn net.Conn, proxyConf *ProxyConfig, target string, timeout time.Duration) error {
	if timeout != 0 {
		conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if proxyConf.Username != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(proxyConf.Username + ":" + proxyConf.Password))
		req += "Proxy-Authorization: Basic " + credentials + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		return err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy refused CONNECT: %s", resp.Status)
	}
	return nil
}

// wrapTLS layers a TLS client handshake over an established connection.
func wrapTLS(conn net.Conn, config *ConnectionConfig) (net.Conn, error) {
	tlsConfig := &tls.Config{
		ServerName: config.Server,
		// encrypted but unauthenticated; the session emits a warning
		// event whenever this is set
		InsecureSkipVerify: config.AcceptInvalidCerts,
	}
	tlsConn := tls.Client(conn, tlsConfig)
	if config.ConnectTimeout != 0 {
		conn.SetDeadline(time.Now().Add(config.ConnectTimeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, &ConnectionError{Kind: ConnectionErrorTLS, cause: err}
	}
	conn.SetDeadline(time.Time{})
	return tlsConn, nil
}

// connectWebsocket dials the server's websocket endpoint, speaking the
// ircv3 subprotocol where every text message is one IRC line.
func connectWebsocket(config *ConnectionConfig) (IRCConn, error) {
	scheme := "ws"
	if config.TLS {
		scheme = "wss"
	}
	wsURL := url.URL{Scheme: scheme, Host: config.Addr()}

	dialer := websocket.Dialer{
		HandshakeTimeout: config.ConnectTimeout,
		Subprotocols:     []string{"text.ircv3.net"},
		TLSClientConfig: &tls.Config{
			ServerName:         config.Server,
			InsecureSkipVerify: config.AcceptInvalidCerts,
		},
		NetDial: func(network, addr string) (net.Conn, error) {
			return dialProxied(config, addr)
		},
	}

	conn, _, err := dialer.Dial(wsURL.String(), nil)
	if err != nil {
		if connErr, ok := err.(*ConnectionError); ok {
			return nil, connErr
		}
		return nil, &ConnectionError{Kind: ConnectionErrorWebsocket, cause: err}
	}
	return NewIRCWSConn(conn), nil
}

func classifyDialError(err error) *ConnectionError {
	if dnsErr, ok := err.(*net.OpError); ok {
		if _, isDNS := dnsErr.Err.(*net.DNSError); isDNS {
			return &ConnectionError{Kind: ConnectionErrorDNS, cause: err}
		}
	}
	if _, ok := err.(*net.DNSError); ok {
		return &ConnectionError{Kind: ConnectionErrorDNS, cause: err}
	}
	return &ConnectionError{Kind: ConnectionErrorRefused, cause: err}
}
