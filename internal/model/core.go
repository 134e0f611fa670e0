package model

// UpdateMessage is the JSON payload received on the image topics.
type UpdateMessage struct {
	URL  string `json:"url"`
	Hash string `json:"hash"`
}

// Liveness is the retained value published on the device status topic.
type Liveness string

const (
	Alive    Liveness = "ALIVE"
	Dead     Liveness = "DEAD"
	Shutdown Liveness = "SHUTDOWN"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}
