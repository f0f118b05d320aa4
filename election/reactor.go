package election

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/p2p"

	"hyperraft/types"
)

const (
	RequestVoteChannel = byte(0x20)
	VoteChannel        = byte(0x21)
	AppendChannel      = byte(0x22)
	AppendReplyChannel = byte(0x23)

	maxMsgSize = 1048576 // 1MB; NOTE: bounds a full AppendEntries batch.
)

// ------ Event ------
// outbound events fired by the manager, consumed by the reactor
const (
	EventRequestVote        = "RequestVote"
	EventVote               = "Vote"
	EventAppendEntries      = "AppendEntries"
	EventAppendEntriesReply = "AppendEntriesReply"
)

// Envelope addresses an outbound message. A nil To means broadcast.
type Envelope struct {
	To  types.Address
	Msg Message
}

// ------ Message ------
type Message interface {
	ValidateBasic() error
}

// ------- Reactor ------
// Reactor bridges the election manager and the p2p layer: it decodes
// wire messages into the manager's peer queue and sends the manager's
// outbound envelopes, unicast when a validator address maps to a
// known peer and broadcast otherwise.
type Reactor struct {
	p2p.BaseReactor

	peers *cmap.CMap // validator address string -> p2p.Peer

	manager *Manager
}

type ReactorOption func(*Reactor)

func NewReactor(manager *Manager, options ...ReactorOption) *Reactor {
	conR := &Reactor{
		peers:   cmap.NewCMap(),
		manager: manager,
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Election", conR)

	for _, option := range options {
		option(conR)
	}

	conR.subscribeToBroadcastEvents()

	return conR
}

func (conR *Reactor) OnStart() error {
	conR.Logger.Info("Election Reactor started.")
	return nil
}

func (conR *Reactor) OnStop() {}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                 RequestVoteChannel,
			Priority:           10,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
		{
			ID:                 VoteChannel,
			Priority:           10,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
		{
			ID:                 AppendChannel,
			Priority:           5,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
		{
			ID:                 AppendReplyChannel,
			Priority:           5,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	conR.Logger.Info("new peer", "peer", peer.ID())
	return peer
}

func (conR *Reactor) AddPeer(peer p2p.Peer) {
	// the peer's validator address travels in its NodeInfo moniker
	if ni, ok := peer.NodeInfo().(p2p.DefaultNodeInfo); ok && ni.Moniker != "" {
		conR.peers.Set(ni.Moniker, peer)
	}
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	if ni, ok := peer.NodeInfo().(p2p.DefaultNodeInfo); ok && ni.Moniker != "" {
		conR.peers.Delete(ni.Moniker)
	}
}

func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive", "src", src, "chID", chID, "bytes", msgBytes)
		return
	}

	switch chID {
	case RequestVoteChannel:
		var req types.RequestVote
		if err := tmjson.Unmarshal(msgBytes, &req); err != nil {
			conR.Logger.Error("try to unmarshal RequestVote failed", "err", err)
			break
		}
		conR.manager.SendPeerMessage(&RequestVoteMessage{RequestVote: &req}, src.ID())

	case VoteChannel:
		var vote types.Vote
		if err := tmjson.Unmarshal(msgBytes, &vote); err != nil {
			conR.Logger.Error("try to unmarshal vote failed", "err", err)
			break
		}
		conR.manager.SendPeerMessage(&VoteMessage{Vote: &vote}, src.ID())

	case AppendChannel:
		var ae types.AppendEntries
		if err := tmjson.Unmarshal(msgBytes, &ae); err != nil {
			conR.Logger.Error("try to unmarshal AppendEntries failed", "err", err)
			break
		}
		conR.manager.SendPeerMessage(&AppendEntriesMessage{AppendEntries: &ae}, src.ID())

	case AppendReplyChannel:
		var reply types.AppendEntriesReply
		if err := tmjson.Unmarshal(msgBytes, &reply); err != nil {
			conR.Logger.Error("try to unmarshal AppendEntriesReply failed", "err", err)
			break
		}
		conR.manager.SendPeerMessage(&AppendEntriesReplyMessage{Reply: &reply}, src.ID())

	default:
		conR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
	}
}

// subscribeToBroadcastEvents wires the manager's outbound envelopes
// onto the p2p switch.
func (conR *Reactor) subscribeToBroadcastEvents() {
	const scriber = "election-reactor"

	conR.manager.eventSwitch.AddListenerForEvent(scriber, EventRequestVote, func(data events.EventData) {
		env := data.(*Envelope)
		conR.send(RequestVoteChannel, env.To, env.Msg.(*RequestVoteMessage).RequestVote)
	})
	conR.manager.eventSwitch.AddListenerForEvent(scriber, EventVote, func(data events.EventData) {
		env := data.(*Envelope)
		conR.send(VoteChannel, env.To, env.Msg.(*VoteMessage).Vote)
	})
	conR.manager.eventSwitch.AddListenerForEvent(scriber, EventAppendEntries, func(data events.EventData) {
		env := data.(*Envelope)
		conR.send(AppendChannel, env.To, env.Msg.(*AppendEntriesMessage).AppendEntries)
	})
	conR.manager.eventSwitch.AddListenerForEvent(scriber, EventAppendEntriesReply, func(data events.EventData) {
		env := data.(*Envelope)
		conR.send(AppendReplyChannel, env.To, env.Msg.(*AppendEntriesReplyMessage).Reply)
	})
}

func (conR *Reactor) send(chID byte, to types.Address, msg interface{}) {
	bz, err := tmjson.Marshal(msg)
	if err != nil {
		conR.Logger.Error("Marshal outbound message failed.", "err", err)
		return
	}
	if to == nil {
		conR.Switch.Broadcast(chID, bz)
		return
	}
	if peer, ok := conR.peers.Get(to.String()).(p2p.Peer); ok && peer != nil {
		peer.Send(chID, bz)
		return
	}
	// no direct route, fall back to broadcast; receivers drop
	// messages that are not for them
	conR.Switch.Broadcast(chID, bz)
}

// --------------------------

type RequestVoteMessage struct {
	RequestVote *types.RequestVote
}

func (msg *RequestVoteMessage) ValidateBasic() error {
	return msg.RequestVote.ValidateBasic()
}

func (msg *RequestVoteMessage) String() string {
	return fmt.Sprintf("[RequestVote %v]", msg.RequestVote)
}

type VoteMessage struct {
	Vote *types.Vote
}

func (msg *VoteMessage) ValidateBasic() error {
	return msg.Vote.ValidateBasic()
}

func (msg *VoteMessage) String() string {
	return fmt.Sprintf("[Vote %v]", msg.Vote)
}

type AppendEntriesMessage struct {
	AppendEntries *types.AppendEntries
}

func (msg *AppendEntriesMessage) ValidateBasic() error {
	return msg.AppendEntries.ValidateBasic()
}

func (msg *AppendEntriesMessage) String() string {
	return fmt.Sprintf("[AppendEntries %v]", msg.AppendEntries)
}

type AppendEntriesReplyMessage struct {
	Reply *types.AppendEntriesReply
}

func (msg *AppendEntriesReplyMessage) ValidateBasic() error {
	return msg.Reply.ValidateBasic()
}

func (msg *AppendEntriesReplyMessage) String() string {
	return fmt.Sprintf("[AppendEntriesReply %v]", msg.Reply)
}

// internal control messages, never on the wire

type replicateNowMessage struct{}

func (msg *replicateNowMessage) ValidateBasic() error { return nil }

type forceElectionMessage struct{}

func (msg *forceElectionMessage) ValidateBasic() error { return nil }

// msgInfo couples a message with its source peer.
type msgInfo struct {
	Msg    Message
	PeerID p2p.ID
}
