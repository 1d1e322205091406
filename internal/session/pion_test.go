package session

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-console/internal/config"
)

// Drives a real pion peer through the offerer path. Host candidates
// gather locally, so no STUN server is needed.
func TestPionPeerOfferHasLocalDescriptionAfterGathering(t *testing.T) {
	factory := NewPionFactory(config.WebRTCConfig{})
	peer, err := factory()
	require.NoError(t, err)
	defer peer.Close()

	require.NoError(t, peer.AddVideoTransceiver())

	offer, err := peer.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, peer.SetLocalDescription(offer))

	select {
	case <-peer.GatheringComplete():
	case <-time.After(10 * time.Second):
		t.Fatal("ice gathering did not complete")
	}

	// The signaling state is have-local-offer here, not stable; the
	// adapter must still see the offer it just set.
	local := peer.LocalDescription()
	require.NotNil(t, local)
	assert.Equal(t, webrtc.SDPTypeOffer, local.Type)
	assert.NotEmpty(t, local.SDP)
}
