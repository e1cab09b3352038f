// Package discovery advertises and finds directory nodes on the local network
// over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"

	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

const (
	Service = "_whiteboard-dir._tcp"
	Domain  = "local."
)

// ErrNotFound is returned when no directory answered before the deadline.
var ErrNotFound = errors.New("no directory found on the local network")

// Advertise registers a directory listening on port. Call Shutdown on the
// returned server to withdraw it.
func Advertise(instance string, port int) (*zeroconf.Server, error) {
	srv, err := zeroconf.Register(instance, Service, Domain, port, []string{"txtv=0"}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "register mdns service")
	}
	logger.Named("discovery").Sugar().Infow("mdns_registered", "instance", instance, "service", Service, "port", port)
	return srv, nil
}

// Lookup browses for a directory and returns the first dialable address.
func Lookup(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", errors.Wrap(err, "mdns resolver")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			if addr, ok := EntryAddr(entry); ok {
				select {
				case found <- addr:
				default:
				}
				cancel()
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", errors.Wrap(err, "mdns browse")
	}
	<-ctx.Done()
	select {
	case addr := <-found:
		logger.Named("discovery").Sugar().Infow("mdns_found", "addr", addr)
		return addr, nil
	default:
		return "", ErrNotFound
	}
}

// EntryAddr picks host:port from a service entry, preferring IPv4.
func EntryAddr(e *zeroconf.ServiceEntry) (string, bool) {
	if e == nil || e.Port <= 0 {
		return "", false
	}
	port := strconv.Itoa(e.Port)
	if len(e.AddrIPv4) > 0 {
		return net.JoinHostPort(e.AddrIPv4[0].String(), port), true
	}
	if len(e.AddrIPv6) > 0 {
		return net.JoinHostPort(e.AddrIPv6[0].String(), port), true
	}
	if e.HostName != "" {
		return net.JoinHostPort(trimDot(e.HostName), port), true
	}
	return "", false
}

func trimDot(s string) string {
	if n := len(s); n > 0 && s[n-1] == '.' {
		return s[:n-1]
	}
	return s
}

// InstanceName is the default mDNS instance for a directory node.
func InstanceName(node string) string {
	if len(node) > 8 {
		node = node[:8]
	}
	return fmt.Sprintf("whiteboard-directory-%s", node)
}
