package urlguard

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_RejectsNonHTTPSchemes(t *testing.T) {
	g := New()
	for _, raw := range []string{
		"file:///etc/passwd",
		"ftp://example.com/file",
		"gopher://example.com",
		"redis://localhost:6379",
	} {
		assert.Error(t, g.Check(raw), raw)
	}
}

func TestCheck_RejectsLoopbackHosts(t *testing.T) {
	g := New()
	for _, raw := range []string{
		"http://localhost/admin",
		"http://127.0.0.1:8080/",
		"http://[::1]/",
		"http://0.0.0.0/",
	} {
		assert.Error(t, g.Check(raw), raw)
	}
}

func TestCheck_RejectsTraversalInPathAndQuery(t *testing.T) {
	g := New()
	assert.Error(t, g.Check("http://example.com/../../etc/passwd"))
	assert.Error(t, g.Check("http://example.com/fetch?path=%2e%2e%2fsecret"))
	assert.Error(t, g.Check("http://example.com/proc/../etc/shadow"))
}

func TestCheck_MissingSchemeOrHost(t *testing.T) {
	g := New()
	assert.Error(t, g.Check("example.com/no-scheme"))
	assert.Error(t, g.Check("http:///no-host"))
}

func TestCheckIP_BlocksInternalRanges(t *testing.T) {
	for _, addr := range []string{
		"127.0.0.1",
		"10.0.0.1",
		"172.16.0.1",
		"192.168.1.1",
		"169.254.169.254",
		"224.0.0.1",
		"0.0.0.0",
		"::1",
		"fd00::1",
		"fe80::1",
	} {
		ip := net.ParseIP(addr)
		require.NotNil(t, ip, addr)
		assert.Error(t, checkIP(ip), addr)
	}

	public := net.ParseIP("93.184.216.34")
	require.NotNil(t, public)
	assert.NoError(t, checkIP(public))
}
