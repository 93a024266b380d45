package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
)

func TestRelayURL(t *testing.T) {
	assert.Equal(t, "", relayURL(nil))
	assert.Equal(t, "", relayURL(&mdns.ServiceEntry{Port: 80}))
	assert.Equal(t, "ws://10.0.0.2:8080", relayURL(&mdns.ServiceEntry{AddrV4: net.ParseIP("10.0.0.2"), Port: 8080}))
}
