package control

import (
	"github.com/c360/stagegrid/descriptor"
)

// MessageType distinguishes management messages carried by MESSAGE frames.
type MessageType string

// Management message types
const (
	MsgListingRequest MessageType = "listing-request"
	MsgListingReply   MessageType = "listing-reply"
	MsgStatistics     MessageType = "statistics"
	MsgStart          MessageType = "start"
)

// Message is the generic management payload.
type Message struct {
	Type       MessageType                   `json:"type"`
	Fileset    *descriptor.FilesetDescriptor `json:"fileset,omitempty"`
	Listing    *descriptor.ListingReply      `json:"listing,omitempty"`
	Statistics *descriptor.Statistics        `json:"statistics,omitempty"`
}

// ListingRequest asks a worker to scan fs.
func ListingRequest(fs descriptor.FilesetDescriptor) Message {
	return Message{Type: MsgListingRequest, Fileset: &fs}
}

// ListingReplyMessage answers a listing request.
func ListingReplyMessage(r descriptor.ListingReply) Message {
	return Message{Type: MsgListingReply, Listing: &r}
}

// StatisticsMessage reports a stage instance's statistics.
func StatisticsMessage(s descriptor.Statistics) Message {
	return Message{Type: MsgStatistics, Statistics: &s}
}

// StartMessage tells a bound worker to start its stage.
func StartMessage() Message {
	return Message{Type: MsgStart}
}

// Handler receives control upcalls. Calls are serialized in arrival order.
type Handler interface {
	// Register is called on the coordinator when a worker offers to run kind.
	Register(from descriptor.NodeID, kind, address string)
	// Registered is called on a worker when the coordinator binds it.
	Registered(a descriptor.Assignment)
	// ManagementMessage is called for every MESSAGE frame.
	ManagementMessage(from descriptor.NodeID, msg Message)
}
