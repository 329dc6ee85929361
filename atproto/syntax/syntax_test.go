package syntax

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDID(t *testing.T) {
	assert := assert.New(t)

	for _, raw := range []string{"did:plc:abc123", "did:web:example.com", "did:web:localhost%3A8080"} {
		_, err := ParseDID(raw)
		assert.NoError(err, raw)
	}
	for _, raw := range []string{"", "did:", "did:plc:", "DID:plc:abc", "plc:abc123", "did:plc:abc#frag"} {
		_, err := ParseDID(raw)
		assert.Error(err, raw)
	}

	did, err := ParseDID("did:PLC:abc123")
	assert.Error(err)
	did = DID("did:plc:abc123")
	assert.Equal("plc", did.Method())
	assert.Equal("abc123", did.Identifier())
}

func TestParseHandle(t *testing.T) {
	assert := assert.New(t)

	h, err := ParseHandle("@Alice.Example.com")
	assert.NoError(err)
	assert.Equal(Handle("Alice.Example.com"), h)
	assert.Equal(Handle("alice.example.com"), h.Normalize())
	assert.False(h.AllowedTLD())

	h, err = ParseHandle("flusher.bsky.social")
	assert.NoError(err)
	assert.True(h.AllowedTLD())
	assert.Equal("social", h.TLD())

	for _, raw := range []string{"", "nodots", "-bad.example.com", "bad..example.com", "a.b.c.1com"} {
		_, err := ParseHandle(raw)
		assert.Error(err, raw)
	}
	assert.True(Handle("Handle.Invalid").IsInvalidHandle())
}

func TestParseAtIdentifier(t *testing.T) {
	assert := assert.New(t)

	id, err := ParseAtIdentifier(" did:plc:abc123 ")
	assert.NoError(err)
	assert.True(id.IsDID())
	did, err := id.AsDID()
	assert.NoError(err)
	assert.Equal(DID("did:plc:abc123"), did)

	id, err = ParseAtIdentifier("alice.example.com")
	assert.NoError(err)
	assert.True(id.IsHandle())
	_, err = id.AsDID()
	assert.Error(err)

	_, err = ParseAtIdentifier("did:nope")
	assert.Error(err)
}

func TestParseNSID(t *testing.T) {
	assert := assert.New(t)

	n, err := ParseNSID("im.flushing.right.now")
	assert.NoError(err)
	assert.Equal("now", n.Name())
	assert.Equal("im.flushing.right", n.Authority())

	_, err = ParseNSID("com.atproto")
	assert.Error(err)
	_, err = ParseNSID("com.atproto.repo.")
	assert.Error(err)
}

func TestParseRecordKeyAndDatetime(t *testing.T) {
	assert := assert.New(t)

	_, err := ParseRecordKey("3jzfcijpj2z2a")
	assert.NoError(err)
	_, err = ParseRecordKey("..")
	assert.Error(err)
	_, err = ParseRecordKey("has space")
	assert.Error(err)

	_, err = ParseDatetime("2024-01-02T03:04:05.678Z")
	assert.NoError(err)
	_, err = ParseDatetime("2024-01-02T03:04:05-00:00")
	assert.Error(err)
	now := DatetimeNow()
	_, err = now.Time()
	assert.NoError(err)
}

func TestTID(t *testing.T) {
	assert := assert.New(t)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tid := NewTID(ts.UnixMicro(), 7)
	assert.Len(tid.String(), 13)
	assert.Equal(ts, tid.Time())
	assert.Equal(uint(7), tid.ClockID())
	_, err := ParseTID(tid.String())
	assert.NoError(err)

	_, err = ParseTID("3jzfcijpj2z2")
	assert.Error(err)
	_, err = ParseTID("zzzzzzzzzzzzz")
	assert.Error(err)

	clock := NewTIDClock(0)
	prev := clock.Next()
	for range 100 {
		next := clock.Next()
		assert.Greater(next.String(), prev.String())
		prev = next
	}
}
