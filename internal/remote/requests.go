package remote

import "github.com/geeluba/ai-blending-control-demo/internal/protocol"

// Each helper sends one request and returns its request id.

func (c *Client) GetVideoInfo() (string, error) {
	return c.Request(protocol.GetVideoInfoRequest{})
}

func (c *Client) GetVideoDuration() (string, error) {
	return c.Request(protocol.GetVideoDurationRequest{})
}

func (c *Client) VideoPlay() (string, error)  { return c.Request(protocol.VideoPlayRequest{}) }
func (c *Client) VideoPause() (string, error) { return c.Request(protocol.VideoPauseRequest{}) }

func (c *Client) VideoSeek(positionMs int64) (string, error) {
	return c.Request(protocol.VideoSeekRequest{PositionMs: positionMs})
}

func (c *Client) GetImageInfo() (string, error) {
	return c.Request(protocol.GetImageInfoRequest{})
}

func (c *Client) ImagePlay() (string, error)  { return c.Request(protocol.ImagePlayRequest{}) }
func (c *Client) ImagePause() (string, error) { return c.Request(protocol.ImagePauseRequest{}) }

// ConnectToMac asks the projector to open its own link to targetMac.
func (c *Client) ConnectToMac(targetMac string) (string, error) {
	return c.Request(protocol.ConnectToMacRequest{TargetMac: targetMac})
}

// StartDiscovery asks the projector to look for a peer advertising
// targetName. Completion is reported by NotifyPeerConnectionDone.
func (c *Client) StartDiscovery(targetName string) (string, error) {
	return c.Request(protocol.StartDiscoveryRequest{TargetName: targetName})
}

func (c *Client) BlendingMode(mode protocol.BlendingMode, isController bool) (string, error) {
	return c.Request(protocol.BlendingModeRequest{Mode: mode, IsController: isController})
}
