package rpc

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node"
	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/node/store"
)

const (
	wsWriteWait = 10 * time.Second

	// eventBuffer bounds events queued for one websocket client. A client
	// that falls further behind is disconnected.
	eventBuffer = 256
)

// EventMessage is the JSON frame sent to /v1/events subscribers.
type EventMessage struct {
	Type          string `json:"type"`
	Height        uint32 `json:"height,omitempty"`
	Commitment    string `json:"commitment,omitempty"`
	Header        string `json:"header,omitempty"`
	Submitter     string `json:"submitter,omitempty"`
	ForkID        uint32 `json:"fork_id,omitempty"`
	TipHeight     uint32 `json:"tip_height,omitempty"`
	TipCommitment string `json:"tip_commitment,omitempty"`
	StartHeight   uint32 `json:"start_height,omitempty"`
}

func eventMessage(ev node.Event) EventMessage {
	msg := EventMessage{Type: ev.EventName()}
	switch e := ev.(type) {
	case node.HeaderStored:
		msg.Height = e.Height
		msg.Commitment = encodeHex(e.Commitment[:])
		msg.Header = encodeHex(e.Header.Encode())
		if e.Fork != (store.ForkKey{}) {
			msg.Submitter = encodeHex(e.Fork.Submitter[:])
			msg.ForkID = e.Fork.ForkID
		}
	case node.ChainReorganized:
		msg.TipHeight = e.TipHeight
		msg.TipCommitment = encodeHex(e.TipCommitment[:])
		msg.Submitter = encodeHex(e.Submitter[:])
		msg.ForkID = e.ForkID
		msg.StartHeight = e.StartHeight
	}
	return msg
}

// handleEvents streams relay events to a websocket client until either side
// closes. The subscription is in place before the upgrade completes, so a
// client sees every event committed after its dial returns.
func (s *Server) handleEvents(c *gin.Context) {
	events := make(chan node.Event, eventBuffer)
	lagged := make(chan struct{})
	var once sync.Once
	unsubscribe := s.relay.Subscribe(node.EventListenerFunc(func(ev node.Event) {
		select {
		case events <- ev:
		default:
			once.Do(func() { close(lagged) })
		}
	}))
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-lagged:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "event buffer overflow"),
				time.Now().Add(wsWriteWait))
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(eventMessage(ev)); err != nil {
				s.logger.Debug("websocket write failed", "err", err)
				return
			}
		}
	}
}
