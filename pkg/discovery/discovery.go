// Package discovery lets clients on the same network find a relay server over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/mdns"
)

const serviceType = "_layersync._tcp"

var ErrNoRelay = errors.New("no relay found")

// Advertise announces a relay listening on port. Shut the returned server down to stop announcing.
func Advertise(port int) (*mdns.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}
	service, err := mdns.NewMDNSService(host, serviceType, "", "", port, nil, []string{"layersync relay"})
	if err != nil {
		return nil, fmt.Errorf("failed to create mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mdns server: %w", err)
	}
	return server, nil
}

// FindRelay returns the ws:// base url of the first relay that answers within timeout.
func FindRelay(ctx context.Context, timeout time.Duration) (string, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	found := make(chan string, 1)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for e := range entries {
			if u := relayURL(e); u != "" {
				select {
				case found <- u:
				default:
				}
			}
		}
	}()

	params := mdns.DefaultParams(serviceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	<-drained
	if err != nil {
		return "", fmt.Errorf("failed to query mdns: %w", err)
	}
	select {
	case u := <-found:
		return u, nil
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", ErrNoRelay
	}
}

func relayURL(e *mdns.ServiceEntry) string {
	if e == nil || e.AddrV4 == nil || e.Port == 0 {
		return ""
	}
	return fmt.Sprintf("ws://%s:%d", e.AddrV4.String(), e.Port)
}
