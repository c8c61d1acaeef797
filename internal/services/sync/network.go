package sync

import (
	"context"
	"net"
	"net/url"
	"time"
)

// NetworkMonitor reports connectivity before a sync run.
type NetworkMonitor interface {
	IsConnected(ctx context.Context) bool
	IsWifi(ctx context.Context) bool
}

// StaticNetwork reports a fixed state.
type StaticNetwork struct {
	Connected bool
	Wifi      bool
}

func (n StaticNetwork) IsConnected(context.Context) bool { return n.Connected }
func (n StaticNetwork) IsWifi(context.Context) bool      { return n.Connected && n.Wifi }

// Online is a NetworkMonitor that is always connected over wifi.
var Online = StaticNetwork{Connected: true, Wifi: true}

// DialNetwork probes the sync server with a TCP dial. A host cannot tell
// metered links apart, so any working connection counts as wifi.
type DialNetwork struct {
	Address string
	Timeout time.Duration
}

// NewDialNetwork probes the host of serverURL.
func NewDialNetwork(serverURL string) (*DialNetwork, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}

	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" || u.Scheme == "wss" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	return &DialNetwork{Address: host, Timeout: 3 * time.Second}, nil
}

func (n *DialNetwork) IsConnected(ctx context.Context) bool {
	dialer := net.Dialer{Timeout: n.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", n.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (n *DialNetwork) IsWifi(ctx context.Context) bool {
	return n.IsConnected(ctx)
}
