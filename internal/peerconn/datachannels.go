package peerconn

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

const (
	// ReliableControlLabel carries control traffic and latency probes.
	// Ordered and fully retransmitting; its open state alone drives the
	// link's connected flag.
	ReliableControlLabel = "reliable_control"

	// StreamingUpdatesLabel carries high-rate state updates where a lost
	// frame is superseded by the next one anyway. Unordered, zero
	// retransmits.
	StreamingUpdatesLabel = "streaming_updates"
)

func createReliableChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(ReliableControlLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}

func createStreamingChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	var maxRetransmits uint16
	return pc.CreateDataChannel(StreamingUpdatesLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
}

func validateReliableChannel(dc *webrtc.DataChannel) error {
	if !dc.Ordered() {
		return fmt.Errorf("%s must be ordered", ReliableControlLabel)
	}
	if dc.MaxRetransmits() != nil || dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("%s must be fully reliable", ReliableControlLabel)
	}
	return nil
}

func validateStreamingChannel(dc *webrtc.DataChannel) error {
	if dc.Ordered() {
		return fmt.Errorf("%s must be unordered", StreamingUpdatesLabel)
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("%s must not set maxPacketLifeTime", StreamingUpdatesLabel)
	}
	if mr := dc.MaxRetransmits(); mr == nil || *mr != 0 {
		return fmt.Errorf("%s must set maxRetransmits=0", StreamingUpdatesLabel)
	}
	return nil
}
