package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSampleWithoutRedisIsLocalOnly(t *testing.T) {
	s := New(nil)
	sample, err := s.Sample(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, sample.CPURatio, 0.0)

	_, ok := s.Last(context.Background())
	require.False(t, ok, "no redis client configured, Last must report unavailable")
}

func TestSampleSecondCallComputesRatio(t *testing.T) {
	s := New(nil)
	_, err := s.Sample(context.Background())
	require.NoError(t, err)
	second, err := s.Sample(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, second.CPURatio, 0.0)
	require.LessOrEqual(t, second.CPURatio, 1.0000001)
}
