// Package discovery advertises a relay on the local network over mDNS and
// finds one from the client side, so users need not type an address.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/1ureka/lancall/internal/util"
)

const (
	// Service is the DNS-SD service type of a lancall relay.
	Service = "_lancall._tcp"

	// Domain is the mDNS domain browsed and advertised on.
	Domain = "local."

	// DefaultBrowseTimeout bounds Find when ctx has no deadline.
	DefaultBrowseTimeout = 3 * time.Second

	defaultPath = "/ws"
)

// ErrNotFound is returned by Find when no relay answered in time.
var ErrNotFound = errors.New("discovery: no relay found")

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers a relay listening on port under the given instance
// name on all interfaces.
func Advertise(instance string, port int) (*Advertisement, error) {
	txt := []string{"path=" + defaultPath}
	server, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	util.LogDebug("advertising %s.%s%s on port %d", instance, Service, Domain, port)
	return &Advertisement{server: server}, nil
}

// Close withdraws the advertisement.
func (a *Advertisement) Close() {
	a.server.Shutdown()
}

// Browser browses for DNS-SD services. *zeroconf.Resolver implements it.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// NewBrowser returns the system mDNS browser.
func NewBrowser() (Browser, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}
	return r, nil
}

// Find browses for a relay and returns the WebSocket URL of the first one
// that has a usable IPv4 address.
func Find(ctx context.Context, b Browser) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultBrowseTimeout)
		defer cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	errCh := make(chan error, 1)
	go func() {
		if err := b.Browse(ctx, Service, Domain, entries); err != nil {
			errCh <- err
		}
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if url, ok := RelayURL(entry); ok {
				util.LogDebug("found relay %q at %s", entry.Instance, url)
				return url, nil
			}
		case err := <-errCh:
			return "", fmt.Errorf("mdns browse: %w", err)
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

// RelayURL builds the relay WebSocket URL for a browse result. It reports
// false when the entry carries no usable IPv4 address or port.
func RelayURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port < 1 || entry.Port > 65535 {
		return "", false
	}

	var ip net.IP
	for _, addr := range entry.AddrIPv4 {
		if addr.To4() != nil && !addr.IsUnspecified() {
			ip = addr
			break
		}
	}
	if ip == nil {
		return "", false
	}

	path := defaultPath
	for _, kv := range entry.Text {
		if v, ok := strings.CutPrefix(kv, "path="); ok && strings.HasPrefix(v, "/") {
			path = v
		}
	}

	host := net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
	return "ws://" + host + path, true
}
