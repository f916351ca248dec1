// Package tor controls a Tor daemon over its control port. Circuit
// rotation uses the NEWNYM signal; exit geolocation asks the daemon's own
// GeoIP database about the address seen from outside the tunnel.
package tor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"
)

const checkURL = "https://check.torproject.org/api/ip"

// Config represents Tor controller configuration.
type Config struct {
	ControlAddr     string // control port, e.g. 127.0.0.1:9051
	ControlPassword string
	SocksAddr       string // SOCKS5 port, e.g. 127.0.0.1:9050
}

// Controller talks to a running Tor daemon.
type Controller struct {
	config     Config
	httpClient *http.Client // dials through the SOCKS port
}

// New creates the controller. The daemon itself is managed externally.
func New(cfg Config) (*Controller, error) {
	if cfg.ControlAddr == "" || cfg.SocksAddr == "" {
		return nil, errors.New("control and SOCKS addresses are required")
	}

	dialer, err := proxy.SOCKS5("tcp", cfg.SocksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create SOCKS5 dialer")
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support contexts")
	}

	return &Controller{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return contextDialer.DialContext(ctx, network, addr)
				},
			},
		},
	}, nil
}

// Start confirms the daemon is reachable and the control password works.
func (c *Controller) Start(ctx context.Context) error {
	conn, err := c.dialControl(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	zlog.Debug().Str("addr", c.config.ControlAddr).Msg("tor control port reachable")
	return nil
}

// NewCircuit asks the daemon for fresh circuits.
func (c *Controller) NewCircuit(ctx context.Context) error {
	conn, err := c.dialControl(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.PrintfLine("SIGNAL NEWNYM"); err != nil {
		return errors.Wrap(err, "failed to send NEWNYM")
	}
	if _, _, err := conn.ReadResponse(250); err != nil {
		return errors.Wrap(err, "NEWNYM rejected")
	}
	zlog.Debug().Msg("tor circuit rotation requested")
	return nil
}

// ExitCountry resolves the current exit node's country: the externally
// visible address comes from the Tor Project's check endpoint through the
// tunnel, and the daemon's GeoIP database maps it to a country code.
func (c *Controller) ExitCountry(ctx context.Context) (string, error) {
	ip, err := c.exitAddress(ctx)
	if err != nil {
		return "", err
	}

	conn, err := c.dialControl(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.PrintfLine("GETINFO ip-to-country/%s", ip); err != nil {
		return "", errors.Wrap(err, "failed to send GETINFO")
	}
	_, msg, err := conn.ReadResponse(250)
	if err != nil {
		return "", errors.Wrap(err, "GETINFO rejected")
	}

	country := parseCountry(msg, ip)
	if country == "" {
		return "", errors.Newf("no country for exit address %s", ip)
	}
	return country, nil
}

func (c *Controller) exitAddress(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "exit address lookup failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf("exit address lookup returned %d", resp.StatusCode)
	}

	var body struct {
		IsTor bool   `json:"IsTor"`
		IP    string `json:"IP"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "failed to decode exit address response")
	}
	if body.IP == "" {
		return "", errors.New("exit address response had no IP")
	}
	return body.IP, nil
}

// dialControl opens an authenticated control connection.
func (c *Controller) dialControl(ctx context.Context) (*textproto.Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", c.config.ControlAddr)
	if err != nil {
		return nil, errors.Wrap(err, "control port unreachable")
	}
	conn := textproto.NewConn(raw)

	if err := conn.PrintfLine("AUTHENTICATE %s", quotePassword(c.config.ControlPassword)); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to send AUTHENTICATE")
	}
	if _, _, err := conn.ReadResponse(250); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "control authentication failed")
	}
	return conn, nil
}

// quotePassword renders the control-protocol quoted string; Go quoting
// escapes backslash and quote the same way.
func quotePassword(pw string) string {
	return fmt.Sprintf("%q", pw)
}

// parseCountry extracts the country code from an ip-to-country reply of
// the form "ip-to-country/1.2.3.4=us".
func parseCountry(msg, ip string) string {
	for _, line := range strings.Split(msg, "\n") {
		line = strings.TrimSpace(line)
		prefix := "ip-to-country/" + ip + "="
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		country := strings.TrimPrefix(line, prefix)
		if country == "??" {
			return ""
		}
		return strings.ToUpper(country)
	}
	return ""
}
