package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDHCacheSaveLoadRoundTrip(t *testing.T) {
	c := NewDHCache()
	for i := 0; i < 10; i++ {
		var pub, sec, shared Key
		pub[0] = byte(i)
		sec[0] = byte(i + 1)
		shared[0] = byte(i + 2)
		c.Put(pub, sec, shared)
	}

	var buf bytes.Buffer
	require.NoError(t, c.SaveTo(&buf))
	require.Equal(t, 10*dhCacheEntrySize, buf.Len())

	c2 := NewDHCache()
	require.NoError(t, c2.LoadFrom(&buf))
	require.Equal(t, 10, c2.Len())

	for i := 0; i < 10; i++ {
		var pub, sec Key
		pub[0] = byte(i)
		sec[0] = byte(i + 1)
		shared, ok := c2.Get(pub, sec)
		require.True(t, ok)
		require.Equal(t, byte(i+2), shared[0])
	}
}

func TestDHCacheEvictsLRU(t *testing.T) {
	c := NewDHCache()
	var pub, sec, shared Key
	for i := 0; i < DHCacheSize+10; i++ {
		pub[0], pub[1] = byte(i), byte(i >> 8)
		sec[0] = byte(i)
		c.Put(pub, sec, shared)
	}
	require.Equal(t, DHCacheSize, c.Len())
}
