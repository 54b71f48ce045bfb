// Package discovery locates Dexter transmitter units on the local network
// via mDNS, and advertises this process's own remote-control endpoint so
// operator tooling can find it without a static inventory file.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const serviceType = "_dexter._tcp"

// Unit represents a discovered Dexter-capable transmitter on the network.
type Unit struct {
	Instance  string // advertised name, e.g. "dexter on mast3"
	Hostname  string
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Discover performs a blocking mDNS browse for _dexter._tcp.local services
// and returns cleaned, deduplicated entries.
func Discover(ctx context.Context, timeout time.Duration) ([]Unit, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Unit)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					close(done)
					return
				}
				if e == nil {
					continue
				}

				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)

				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				resultMap[key] = Unit{
					Instance:  cleanInstance(e.Instance),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}

			case <-ctx.Done():
				close(done)
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, serviceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-done

	out := make([]Unit, 0, len(resultMap))
	for _, u := range resultMap {
		out = append(out, u)
	}
	return out, nil
}

// Advertiser registers this process's remote-control HTTP surface on the
// local network so operator tooling can find it by mDNS instead of a
// hand-maintained inventory.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise publishes instance on _dexter._tcp at the given port. siteID is
// carried as a TXT record so a browsing tool can label the result without a
// follow-up round trip.
func Advertise(instance, siteID string, port int) (*Advertiser, error) {
	server, err := zeroconf.Register(instance, serviceType, "local.", port,
		[]string{"site=" + siteID}, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns advertise: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertiser) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
