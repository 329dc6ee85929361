package ssrf

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPublicIPAddress(t *testing.T) {
	assert := assert.New(t)

	for _, raw := range []string{"8.8.8.8", "1.1.1.1", "2606:4700:4700::1111"} {
		assert.True(IsPublicIPAddress(netip.MustParseAddr(raw)), raw)
	}
	for _, raw := range []string{"127.0.0.1", "10.1.2.3", "192.168.1.1", "169.254.169.254", "::1", "fe80::1", "::ffff:127.0.0.1"} {
		assert.False(IsPublicIPAddress(netip.MustParseAddr(raw)), raw)
	}
}

func TestPublicOnlyControl(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(PublicOnlyControl("tcp4", "8.8.8.8:443", nil))
	assert.ErrorContains(PublicOnlyControl("tcp4", "127.0.0.1:443", nil), "is not a public IP address")
	assert.ErrorContains(PublicOnlyControl("tcp4", "8.8.8.8:6379", nil), "is not a safe port number")
	assert.ErrorContains(PublicOnlyControl("udp", "8.8.8.8:443", nil), "is not a safe network type")
}

func TestCheckURL(t *testing.T) {
	assert := assert.New(t)

	_, err := CheckURL("https://pds.example.com")
	assert.NoError(err)
	_, err = CheckURL("http://pds.example.com")
	assert.Error(err)
	_, err = CheckURL("https://10.0.0.1/xrpc")
	assert.ErrorContains(err, "is not a public IP address")
	_, err = CheckURL("https:///nohost")
	assert.Error(err)
}
