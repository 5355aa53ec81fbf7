package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stagegrid/descriptor"
	"github.com/c360/stagegrid/errors"
)

func replies(rs ...descriptor.ListingReply) []NodeListing {
	out := make([]NodeListing, len(rs))
	for i, r := range rs {
		out[i] = NodeListing{Node: descriptor.NodeID(string(rune('A' + i))), Reply: r}
	}
	return out
}

func lr(start, end, stride int) descriptor.ListingReply {
	return descriptor.ListingReply{Start: start, End: end, Stride: stride}
}

func TestValidateListing_IdenticalRange(t *testing.T) {
	sorted, err := ValidateListing(replies(lr(0, 6, 1), lr(0, 6, 1), lr(0, 6, 1)))
	require.NoError(t, err)
	assert.Len(t, sorted, 3)
}

func TestValidateListing_SharedRangeMismatch(t *testing.T) {
	_, err := ValidateListing(replies(lr(0, 6, 1), lr(0, 5, 1)))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrListing)
	assert.ErrorIs(t, err, errors.ErrRangeMismatch)
	assert.True(t, errors.IsFatal(err))
}

func TestValidateListing_CountNotStride(t *testing.T) {
	_, err := ValidateListing(replies(lr(0, 6, 3), lr(1, 7, 3)))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrListing)
	assert.ErrorIs(t, err, errors.ErrStrideMismatch)
}

func TestValidateListing_NonArithmeticStarts(t *testing.T) {
	_, err := ValidateListing(replies(lr(0, 6, 3), lr(1, 7, 3), lr(3, 9, 3)))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrListing)
	assert.ErrorIs(t, err, errors.ErrRangeMismatch)
}

func TestValidateListing_Partitions(t *testing.T) {
	tests := []struct {
		name    string
		replies []NodeListing
		order   []descriptor.NodeID
	}{
		{
			name:    "equal ends",
			replies: replies(lr(2, 8, 3), lr(0, 6, 3), lr(1, 7, 3)),
			order:   []descriptor.NodeID{"B", "C", "A"},
		},
		{
			name:    "trailing partitions one short",
			replies: replies(lr(0, 9, 3), lr(1, 7, 3), lr(2, 8, 3)),
			order:   []descriptor.NodeID{"A", "B", "C"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sorted, err := ValidateListing(tt.replies)
			require.NoError(t, err)
			var got []descriptor.NodeID
			for _, r := range sorted {
				got = append(got, r.Node)
			}
			assert.Equal(t, tt.order, got)
		})
	}
}

func TestValidateListing_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		replies []NodeListing
		want    error
	}{
		{"no replies", nil, errors.ErrInvalidListing},
		{"no fileset on a node", replies(lr(0, 6, 1), descriptor.NoListing), errors.ErrInvalidListing},
		{"mixed strides", replies(lr(0, 6, 2), lr(1, 7, 3)), errors.ErrStrideMismatch},
		{"bad end", replies(lr(0, 6, 2), lr(1, 9, 2)), errors.ErrRangeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateListing(tt.replies)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, errors.ErrListing)
		})
	}
}
