package orchestrator

import (
	"fmt"
	"sort"

	"github.com/c360/stagegrid/descriptor"
	"github.com/c360/stagegrid/errors"
)

// NodeListing is one node's answer to a listing request.
type NodeListing struct {
	Node  descriptor.NodeID
	Reply descriptor.ListingReply
}

func listingError(cause error, format string, args ...any) error {
	return errors.WrapFatal(
		fmt.Errorf("%w: %w: %s", errors.ErrListing, cause, fmt.Sprintf(format, args...)),
		"Orchestrator", "Deploy", "validate listing")
}

// ValidateListing sorts replies by start and checks that they describe
// either one shared range (stride 1, every reply identical) or a disjoint
// partition with one node per stride offset. It returns the sorted replies.
func ValidateListing(replies []NodeListing) ([]NodeListing, error) {
	if len(replies) == 0 {
		return nil, listingError(errors.ErrInvalidListing, "no replies")
	}
	sorted := append([]NodeListing(nil), replies...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Reply.Start < sorted[j].Reply.Start })

	for _, r := range sorted {
		if !r.Reply.Valid() {
			return nil, listingError(errors.ErrInvalidListing, "node %s replied %s", r.Node, r.Reply)
		}
	}

	base := sorted[0].Reply
	if base.Stride == 1 {
		for _, r := range sorted[1:] {
			if r.Reply != base {
				return nil, listingError(errors.ErrRangeMismatch, "node %s replied %s, expected %s", r.Node, r.Reply, base)
			}
		}
		return sorted, nil
	}

	stride := base.Stride
	if len(sorted) != stride {
		return nil, listingError(errors.ErrStrideMismatch, "%d replies for stride %d", len(sorted), stride)
	}
	for i, r := range sorted {
		if r.Reply.Stride != stride {
			return nil, listingError(errors.ErrStrideMismatch, "node %s replied stride %d, expected %d", r.Node, r.Reply.Stride, stride)
		}
		if r.Reply.Start != base.Start+i {
			return nil, listingError(errors.ErrRangeMismatch, "node %s starts at %d, expected %d", r.Node, r.Reply.Start, base.Start+i)
		}
		if r.Reply.End != base.End+i && r.Reply.End != base.End-stride+i {
			return nil, listingError(errors.ErrRangeMismatch, "node %s ends at %d, expected %d or %d",
				r.Node, r.Reply.End, base.End+i, base.End-stride+i)
		}
	}
	return sorted, nil
}
