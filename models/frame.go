package models

// Frame is the wire envelope exchanged with the broker over WebSocket.
type Frame struct {
	Type    string   `json:"type"`
	Topic   string   `json:"topic,omitempty"`
	Topics  []string `json:"topics,omitempty"`
	Payload string   `json:"payload,omitempty"`
}

// Frame types
const (
	FramePublish     = "publish"     // client -> broker
	FrameSubscribe   = "subscribe"   // client -> broker
	FrameUnsubscribe = "unsubscribe" // client -> broker
	FrameMessage     = "message"     // broker -> client, topic delivery
	FrameWelcome     = "welcome"     // broker -> client, sent once after upgrade
)
