// Package broadcast defines the JSON envelopes exchanged with clients over the websocket.
package broadcast

import (
	"encoding/json"
	"fmt"

	"arenaserver/arena/apperr"
	"arenaserver/models"

	"github.com/shopspring/decimal"
)

type EventType string

// client -> server
const (
	TypeJoinRoom    EventType = "join-room"
	TypeLeaveRoom   EventType = "leave-room"
	TypeSubmitMove  EventType = "submit-move"
	TypePlaceBid    EventType = "place-bid"
	TypeSetProxyBid EventType = "set-proxy-bid"
	TypePlaceBet    EventType = "place-bet"
	TypePing        EventType = "ping"
)

// server -> client
const (
	TypeAck          EventType = "ack"
	TypeRoundResult  EventType = "round-result"
	TypeStateUpdate  EventType = "state-update"
	TypeBidUpdate    EventType = "bid-update"
	TypeMarketUpdate EventType = "market-update"
	TypeMemberJoined EventType = "member-joined"
	TypeMemberLeft   EventType = "member-left"
	TypeError        EventType = "error"
	TypePong         EventType = "pong"
)

type Inbound struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type Outbound struct {
	Type      EventType   `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

type RoomRef struct {
	RoomID string               `json:"roomId"`
	Kind   models.EncounterKind `json:"kind"`
}

type SubmitMove struct {
	RoomID       string            `json:"roomId"`
	CardID       string            `json:"cardId"`
	ActionKind   models.ActionKind `json:"actionKind"`
	TargetCardID string            `json:"targetCardId,omitempty"`
	PowerupID    string            `json:"powerupId,omitempty"`
}

type PlaceBid struct {
	RoomID string          `json:"roomId"`
	Amount decimal.Decimal `json:"amount"`
}

// SetProxyBid lets the server bid for the sender up to Maximum.
type SetProxyBid struct {
	RoomID  string          `json:"roomId"`
	Maximum decimal.Decimal `json:"maximum"`
}

type PlaceBet struct {
	RoomID   string          `json:"roomId"`
	Position string          `json:"position"`
	Stake    decimal.Decimal `json:"stake"`
}

type MoveAck struct {
	RoomID      string   `json:"roomId"`
	RoundNumber int      `json:"roundNumber"`
	Pending     bool     `json:"pending"`
	Awaiting    []string `json:"awaiting,omitempty"`
	Terminal    bool     `json:"terminal,omitempty"`
}

type RoundResult struct {
	RoomID      string          `json:"roomId"`
	RoundNumber int             `json:"roundNumber"`
	Winner      string          `json:"winner,omitempty"`
	Draw        bool            `json:"draw"`
	Magnitude   float64         `json:"magnitude"`
	Effects     []models.Effect `json:"effects"`
	Terminal    bool            `json:"terminal"`
}

type StateUpdate struct {
	Snapshot models.Snapshot `json:"snapshot"`
}

type BidUpdate struct {
	RoomID   string          `json:"roomId"`
	Bidder   string          `json:"bidder"`
	Amount   decimal.Decimal `json:"amount"`
	Proxy    bool            `json:"proxy,omitempty"`
	Extended bool            `json:"extended"`
	Snapshot models.Snapshot `json:"snapshot"`
}

// ProxyBidAck answers set-proxy-bid. Leading reports whether the sender holds the high bid.
type ProxyBidAck struct {
	RoomID   string          `json:"roomId"`
	Maximum  decimal.Decimal `json:"maximum"`
	Leading  bool            `json:"leading"`
	Snapshot models.Snapshot `json:"snapshot"`
}

type MarketUpdate struct {
	RoomID   string                     `json:"roomId"`
	Bettor   string                     `json:"bettor"`
	Position string                     `json:"position"`
	Stake    decimal.Decimal            `json:"stake"`
	Odds     map[string]decimal.Decimal `json:"odds"`
	Snapshot models.Snapshot            `json:"snapshot"`
}

type MemberEvent struct {
	RoomID string               `json:"roomId"`
	Kind   models.EncounterKind `json:"kind"`
	UserID string               `json:"userId"`
}

type ErrorPayload struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return in, apperr.Wrap(apperr.ValidationError, err, "malformed message")
	}
	if in.Type == "" {
		return in, apperr.New(apperr.ValidationError, "message type is required")
	}
	return in, nil
}

// DecodePayload unmarshals the payload of an inbound event into v.
func DecodePayload(in Inbound, v interface{}) error {
	if len(in.Payload) == 0 {
		return apperr.Newf(apperr.ValidationError, "%s requires a payload", in.Type)
	}
	if err := json.Unmarshal(in.Payload, v); err != nil {
		return apperr.Wrap(apperr.ValidationError, err, fmt.Sprintf("invalid %s payload", in.Type))
	}
	return nil
}

func Encode(t EventType, requestID string, payload interface{}) ([]byte, error) {
	return json.Marshal(Outbound{Type: t, RequestID: requestID, Payload: payload})
}

// ErrorEvent builds the error reply for the originating client only.
func ErrorEvent(requestID string, err error) []byte {
	msg, encErr := Encode(TypeError, requestID, ErrorPayload{
		Code:    apperr.CodeOf(err),
		Message: apperr.MessageOf(err),
	})
	if encErr != nil {
		return []byte(`{"type":"error","payload":{"code":"InternalError","message":"internal error"}}`)
	}
	return msg
}
