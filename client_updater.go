package pxidig

// Contains the client updater, which publishes JSON-encoded messages giving
// the latest digitizer state.

import (
	"encoding/json"
	"fmt"

	"github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket, as a tag frame followed by a JSON frame. It returns when
// abort or messages is closed.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) error {
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		return err
	}

	for {
		select {
		case <-abort:
			return nil
		case update, ok := <-messages:
			if !ok {
				return nil
			}
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("Could not encode %s update: %v", update.tag, err)
				continue
			}
			if _, err := pubSocket.SendBytes([]byte(update.tag), zmq4.SNDMORE); err != nil {
				ProblemLogger.Printf("Could not publish %s update: %v", update.tag, err)
				continue
			}
			if _, err := pubSocket.SendBytes(message, 0); err != nil {
				ProblemLogger.Printf("Could not publish %s update: %v", update.tag, err)
			}
			if update.tag != "STATUS" {
				UpdateLogger.Printf("%s %s", update.tag, message)
			}
		}
	}
}
