package rangekv

import (
	"encoding/json"
	"fmt"
)

// Message is the logical content of an envelope payload. The wire framing
// is a JSON object tagging the message type; only the logical fields
// matter to the rest of the package.
type Message interface {
	GetType() string

	fmt.Stringer
}

// PeerMessage is implemented by messages exchanged between replicas of a
// range; the server routes them to the range they declare.
type PeerMessage interface {
	Message

	GetRangeID() RangeID
	GetSourceID() PeerID
}

type VoteRequest struct {
	RangeID       RangeID     `json:"rangeId"`
	SourceID      PeerID      `json:"sourceId"`
	SourceAddress PeerAddress `json:"sourceAddress"`
	Term          Term        `json:"term"`
	MaxTxID       TxID        `json:"maxTxid"`
	LastTxTerm    Term        `json:"lastTxTerm"`
}

func (msg *VoteRequest) GetType() string     { return "voteRequest" }
func (msg *VoteRequest) GetRangeID() RangeID { return msg.RangeID }
func (msg *VoteRequest) GetSourceID() PeerID { return msg.SourceID }

func (msg *VoteRequest) String() string {
	return fmt.Sprintf("VoteRequest{range: %q, source: %q, term: %d, "+
		"maxTxid: %d, lastTxTerm: %d}",
		msg.RangeID, msg.SourceID, msg.Term, msg.MaxTxID, msg.LastTxTerm)
}

type VoteResponse struct {
	RangeID  RangeID `json:"rangeId"`
	SourceID PeerID  `json:"sourceId"`
	Term     Term    `json:"term"`
	Success  bool    `json:"success"`
}

func (msg *VoteResponse) GetType() string     { return "voteResponse" }
func (msg *VoteResponse) GetRangeID() RangeID { return msg.RangeID }
func (msg *VoteResponse) GetSourceID() PeerID { return msg.SourceID }

func (msg *VoteResponse) String() string {
	return fmt.Sprintf("VoteResponse{range: %q, source: %q, term: %d, "+
		"success: %v}",
		msg.RangeID, msg.SourceID, msg.Term, msg.Success)
}

type Append struct {
	RangeID       RangeID    `json:"rangeId"`
	SourceID      PeerID     `json:"sourceId"`
	BatchID       uint64     `json:"batchId"`
	FromTxID      TxID       `json:"fromTxid"`
	FromTerm      Term       `json:"fromTerm"`
	CommittedTxID TxID       `json:"committedTxid"`
	Entries       []LogEntry `json:"entries"`
}

func (msg *Append) GetType() string     { return "append" }
func (msg *Append) GetRangeID() RangeID { return msg.RangeID }
func (msg *Append) GetSourceID() PeerID { return msg.SourceID }

func (msg *Append) String() string {
	return fmt.Sprintf("Append{range: %q, source: %q, batchId: %d, "+
		"fromTxid: %d, fromTerm: %d, committedTxid: %d, %d entries}",
		msg.RangeID, msg.SourceID, msg.BatchID, msg.FromTxID,
		msg.FromTerm, msg.CommittedTxID, len(msg.Entries))
}

type AppendAck struct {
	RangeID     RangeID `json:"rangeId"`
	SourceID    PeerID  `json:"sourceId"`
	BatchID     uint64  `json:"batchId"`
	Success     bool    `json:"success"`
	LastTxID    TxID    `json:"lastTxid"`
	NeedsResync bool    `json:"needsResync,omitempty"`
}

func (msg *AppendAck) GetType() string     { return "appendAck" }
func (msg *AppendAck) GetRangeID() RangeID { return msg.RangeID }
func (msg *AppendAck) GetSourceID() PeerID { return msg.SourceID }

func (msg *AppendAck) String() string {
	return fmt.Sprintf("AppendAck{range: %q, source: %q, batchId: %d, "+
		"success: %v, lastTxid: %d, needsResync: %v}",
		msg.RangeID, msg.SourceID, msg.BatchID, msg.Success,
		msg.LastTxID, msg.NeedsResync)
}

// MetaProbeRequest asks a peer whether it has already seen cluster
// metadata; it is only used during bootstrap and is answered by the server
// itself, not by any range.
type MetaProbeRequest struct {
	SourceID PeerID `json:"sourceId"`
}

func (msg *MetaProbeRequest) GetType() string { return "metaProbeRequest" }

func (msg *MetaProbeRequest) String() string {
	return fmt.Sprintf("MetaProbeRequest{source: %q}", msg.SourceID)
}

type MetaProbeResponse struct {
	SourceID PeerID `json:"sourceId"`
	Seen     bool   `json:"seen"`
	Meta     []byte `json:"meta,omitempty"`
}

func (msg *MetaProbeResponse) GetType() string { return "metaProbeResponse" }

func (msg *MetaProbeResponse) String() string {
	return fmt.Sprintf("MetaProbeResponse{source: %q, seen: %v, %d meta "+
		"bytes}", msg.SourceID, msg.Seen, len(msg.Meta))
}

type ClientGet struct {
	Key string `json:"key"`
}

func (msg *ClientGet) GetType() string { return "clientGet" }

func (msg *ClientGet) String() string {
	return fmt.Sprintf("ClientGet{key: %q}", msg.Key)
}

type GetResponse struct {
	Success bool   `json:"success"`
	Value   []byte `json:"value,omitempty"`
	Err     string `json:"err,omitempty"`
	TxID    TxID   `json:"txid"`
}

func (msg *GetResponse) GetType() string { return "getResponse" }

func (msg *GetResponse) String() string {
	return fmt.Sprintf("GetResponse{success: %v, err: %q, txid: %d}",
		msg.Success, msg.Err, msg.TxID)
}

type ClientSet struct {
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

func (msg *ClientSet) GetType() string { return "clientSet" }

func (msg *ClientSet) String() string {
	return fmt.Sprintf("ClientSet{key: %q, %d value bytes, tombstone: %v}",
		msg.Key, len(msg.Value), msg.Tombstone)
}

type SetResponse struct {
	Success bool   `json:"success"`
	Err     string `json:"err,omitempty"`
	TxID    TxID   `json:"txid"`
}

func (msg *SetResponse) GetType() string { return "setResponse" }

func (msg *SetResponse) String() string {
	return fmt.Sprintf("SetResponse{success: %v, err: %q, txid: %d}",
		msg.Success, msg.Err, msg.TxID)
}

// Redirect is returned to a client whose request reached a replica which
// is not the current leader of the owning range.
type Redirect struct {
	Success       bool        `json:"success"`
	LeaderAddress PeerAddress `json:"leaderAddress,omitempty"`
	Err           string      `json:"err,omitempty"`
}

func (msg *Redirect) GetType() string { return "redirect" }

func (msg *Redirect) String() string {
	return fmt.Sprintf("Redirect{success: %v, leaderAddress: %q, err: %q}",
		msg.Success, msg.LeaderAddress, msg.Err)
}

func EncodeMessage(msg Message) ([]byte, error) {
	value := struct {
		Type  string  `json:"type"`
		Value Message `json:"value"`
	}{
		Type:  msg.GetType(),
		Value: msg,
	}

	return json.Marshal(value)
}

func DecodeMessage(data []byte) (Message, error) {
	var value struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	var msg Message

	switch value.Type {
	case "voteRequest":
		msg = &VoteRequest{}

	case "voteResponse":
		msg = &VoteResponse{}

	case "append":
		msg = &Append{}

	case "appendAck":
		msg = &AppendAck{}

	case "metaProbeRequest":
		msg = &MetaProbeRequest{}

	case "metaProbeResponse":
		msg = &MetaProbeResponse{}

	case "clientGet":
		msg = &ClientGet{}

	case "getResponse":
		msg = &GetResponse{}

	case "clientSet":
		msg = &ClientSet{}

	case "setResponse":
		msg = &SetResponse{}

	case "redirect":
		msg = &Redirect{}

	default:
		return nil, fmt.Errorf("unknown message type %q", value.Type)
	}

	if err := json.Unmarshal(value.Value, msg); err != nil {
		return nil, err
	}

	return msg, nil
}
