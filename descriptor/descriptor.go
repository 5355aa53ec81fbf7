// Package descriptor holds the immutable description of a pipeline run:
// stage instances, filesets, queue topology, and the per-instance statistics
// table the orchestrator polls.
package descriptor

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeID identifies a cluster member. Comparable and never mutated.
type NodeID string

// NewNodeID returns a fresh random identity.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

func (n NodeID) String() string { return string(n) }

// FilesetDescriptor describes a numbered file sequence such as
// frames/img_000042.tif.
type FilesetDescriptor struct {
	Name    string `json:"name" yaml:"name"`
	Dir     string `json:"dir" yaml:"dir"`
	Prefix  string `json:"prefix" yaml:"prefix"`
	Postfix string `json:"postfix" yaml:"postfix"`
	Digits  int    `json:"digits" yaml:"digits"`
	Check   bool   `json:"check" yaml:"check"`
}

// FileName returns the file name for index.
func (f FilesetDescriptor) FileName(index int) string {
	return fmt.Sprintf("%s%0*d%s", f.Prefix, f.Digits, index, f.Postfix)
}

// StageDescriptor is one instance of a stage kind.
type StageDescriptor struct {
	Name    string             `json:"name"`
	Kind    string             `json:"kind"`
	Inputs  []string           `json:"inputs,omitempty"`
	Outputs []string           `json:"outputs,omitempty"`
	Options map[string]string  `json:"options,omitempty"`
	Rank    *int               `json:"rank,omitempty"`
	Fileset *FilesetDescriptor `json:"fileset,omitempty"`
	Slot    int                `json:"slot"`
}

// HasRank reports whether the descriptor carries a partition index.
func (d StageDescriptor) HasRank() bool { return d.Rank != nil }

// RankIs reports whether the descriptor's rank equals r.
func (d StageDescriptor) RankIs(r int) bool { return d.Rank != nil && *d.Rank == r }

// Option returns the option value for key, or def when unset.
func (d StageDescriptor) Option(key, def string) string {
	if v, ok := d.Options[key]; ok {
		return v
	}
	return def
}

// RequiresListing reports whether deployment must verify the fileset stride.
func (d StageDescriptor) RequiresListing() bool {
	return d.Fileset != nil && d.Fileset.Check
}

// ListingReply is a node's view of its local fileset.
type ListingReply struct {
	Start  int `json:"start"`
	End    int `json:"end"`
	Stride int `json:"stride"`
}

// NoListing is the reply of a node that found no usable fileset.
var NoListing = ListingReply{Start: -1, End: -1, Stride: -1}

// Valid reports whether every field is at or above its minimum.
func (r ListingReply) Valid() bool {
	return r.Start >= 0 && r.End >= 0 && r.Stride >= 1
}

func (r ListingReply) String() string {
	return fmt.Sprintf("(%d,%d,%d)", r.Start, r.End, r.Stride)
}

// QueueMode selects how a queue with several producers is merged.
type QueueMode string

const (
	// ModeRoundRobin reads producers in turn through a fan-in.
	ModeRoundRobin QueueMode = "roundrobin"
	// ModeMerge shares one queue among producers and ends after all finish.
	ModeMerge QueueMode = "merge"
)

// QueueSpec declares a named queue connecting stage instances. Rate caps
// each producer's sends in items per second; zero is unlimited.
type QueueSpec struct {
	Name     string    `json:"name" yaml:"name"`
	Capacity int       `json:"capacity" yaml:"capacity"`
	Mode     QueueMode `json:"mode" yaml:"mode"`
	Rate     float64   `json:"rate,omitempty" yaml:"rate,omitempty"`
}

// Peer is the data-plane endpoint of a stage instance on the other side of a queue.
type Peer struct {
	Node    NodeID `json:"node"`
	Address string `json:"address"`
	Slot    int    `json:"slot"`
}

// QueueBinding tells an instance how it attaches to one queue.
// Index is the instance's position among the queue's producers (for an
// output) or consumers (for an input). Peers lists the other side in order.
type QueueBinding struct {
	Queue    string    `json:"queue"`
	Capacity int       `json:"capacity"`
	Mode     QueueMode `json:"mode"`
	Rate     float64   `json:"rate,omitempty"`
	Index    int       `json:"index"`
	Peers    []Peer    `json:"peers"`
}

// Assignment is the payload of a REGISTERED frame.
type Assignment struct {
	Run        string          `json:"run"`
	Descriptor StageDescriptor `json:"descriptor"`
	Inputs     []QueueBinding  `json:"inputs,omitempty"`
	Outputs    []QueueBinding  `json:"outputs,omitempty"`
}
