package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilid-core-go/veilid-core-go/crypto"
)

func TestFanoutQueueAddDedupsByKey(t *testing.T) {
	q := NewFanoutQueue(crypto.VLD0)
	var k1, k2 crypto.Key
	k1[0] = 1
	k2[0] = 2

	q.Add([]Candidate{{Key: k1}, {Key: k2}}, nil)
	require.Equal(t, 2, q.Len())

	q.Add([]Candidate{{Key: k1}}, nil)
	require.Equal(t, 2, q.Len())
}

func TestFanoutQueueNextGuaranteesProgress(t *testing.T) {
	q := NewFanoutQueue(crypto.VLD0)
	var k1, k2 crypto.Key
	k1[0] = 1
	k2[0] = 2
	q.Add([]Candidate{{Key: k1}, {Key: k2}}, nil)

	c1, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, 1, q.Len())
	require.Equal(t, 1, q.ReturnedCount())

	// re-adding an already-returned candidate must not bring it back.
	q.Add([]Candidate{{Key: c1.Key}}, nil)
	require.Equal(t, 1, q.Len())

	_, ok = q.Next()
	require.True(t, ok)
	_, ok = q.Next()
	require.False(t, ok)
}

func TestFanoutQueueAddRunsCleanup(t *testing.T) {
	q := NewFanoutQueue(crypto.VLD0)
	var k1, k2, k3 crypto.Key
	k1[0], k2[0], k3[0] = 1, 2, 3

	q.Add([]Candidate{{Key: k1}, {Key: k2}, {Key: k3}}, func(queue []Candidate) []Candidate {
		if len(queue) > 2 {
			return queue[:2]
		}
		return queue
	})
	require.Equal(t, 2, q.Len())
}
