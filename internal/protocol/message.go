// Package protocol defines the signaling wire format: a closed tagged union
// validated at the transport boundary so call logic never sees malformed input.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/quorumchat/calls/internal/domain"
)

type Kind string

const (
	KindRing          Kind = "ring"
	KindAccept        Kind = "accept"
	KindDecline       Kind = "decline"
	KindOffer         Kind = "offer"
	KindAnswer        Kind = "answer"
	KindICECandidate  Kind = "ice-candidate"
	KindQualityReport Kind = "quality-report"
	KindMuteChange    Kind = "mute-change"
	KindLeave         Kind = "leave"
	KindKick          Kind = "kick"
	KindHeartbeat     Kind = "heartbeat"
)

var (
	ErrUnknownKind   = errors.New("unknown message kind")
	ErrMissingCallID = errors.New("missing call id")
	ErrMissingSender = errors.New("missing sender id")
	ErrMissingSeq    = errors.New("missing sequence number")
)

type RingPayload struct {
	CalleeIDs []domain.ParticipantID `json:"calleeIds"`
	HasVideo  bool                   `json:"hasVideo"`
}

type DeclinePayload struct {
	Reason string `json:"reason"`
}

type OfferPayload struct {
	SDP string `json:"sdp"`
	// Screen marks an offer that adds a screen-share track, so the call
	// layer can flip the participant flag and revert it if the round fails.
	Screen bool `json:"screen,omitempty"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type QualityReportPayload struct {
	RTTMs           int     `json:"rtt"`
	LossFraction    float64 `json:"lossFraction"`
	BitrateEstimate int     `json:"bitrateEstimate"`
	JitterMs        int     `json:"jitter,omitempty"`
}

type MuteChangePayload struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

type KickPayload struct {
	TargetID domain.ParticipantID `json:"targetId"`
	Reason   string               `json:"reason"`
}

// Message is one decoded signaling message. Payload holds exactly one of the
// payload structs above, by value, matching Kind; kinds without a body
// (accept, leave, heartbeat) carry a nil Payload.
type Message struct {
	CallID   domain.CallID
	SenderID domain.ParticipantID
	Seq      uint64
	Kind     Kind
	Payload  any
}

type envelope struct {
	CallID   string          `json:"callId"`
	SenderID string          `json:"senderId"`
	Seq      uint64          `json:"seq"`
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Decode parses and validates one wire message. Any error here means the
// message never reaches the routing layer.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("bad envelope: %w", err)
	}
	if env.CallID == "" {
		return Message{}, ErrMissingCallID
	}
	if env.SenderID == "" {
		return Message{}, ErrMissingSender
	}
	if env.Seq == 0 {
		return Message{}, ErrMissingSeq
	}

	msg := Message{
		CallID:   domain.CallID(env.CallID),
		SenderID: domain.ParticipantID(env.SenderID),
		Seq:      env.Seq,
		Kind:     env.Kind,
	}

	payload, err := decodePayload(env.Kind, env.Payload)
	if err != nil {
		return Message{}, err
	}
	msg.Payload = payload
	return msg, nil
}

func decodePayload(kind Kind, raw json.RawMessage) (any, error) {
	unmarshal := func(v any) (any, error) {
		if len(raw) == 0 {
			return nil, fmt.Errorf("%s: missing payload", kind)
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("%s: bad payload: %w", kind, err)
		}
		return v, nil
	}

	switch kind {
	case KindRing:
		var p RingPayload
		if _, err := unmarshal(&p); err != nil {
			return nil, err
		}
		if len(p.CalleeIDs) == 0 {
			return nil, fmt.Errorf("%s: no callees", kind)
		}
		return p, nil
	case KindDecline:
		var p DeclinePayload
		if _, err := unmarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case KindOffer:
		var p OfferPayload
		if _, err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.SDP == "" {
			return nil, fmt.Errorf("%s: empty sdp", kind)
		}
		return p, nil
	case KindAnswer:
		var p AnswerPayload
		if _, err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.SDP == "" {
			return nil, fmt.Errorf("%s: empty sdp", kind)
		}
		return p, nil
	case KindICECandidate:
		var p CandidatePayload
		if _, err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.Candidate.Candidate == "" {
			return nil, fmt.Errorf("%s: empty candidate", kind)
		}
		return p, nil
	case KindQualityReport:
		var p QualityReportPayload
		if _, err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.LossFraction < 0 || p.LossFraction > 1 {
			return nil, fmt.Errorf("%s: loss fraction out of range", kind)
		}
		return p, nil
	case KindMuteChange:
		var p MuteChangePayload
		if _, err := unmarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case KindKick:
		var p KickPayload
		if _, err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.TargetID == "" {
			return nil, fmt.Errorf("%s: missing target", kind)
		}
		return p, nil
	case KindAccept, KindLeave, KindHeartbeat:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Encode serializes a message for the wire.
func Encode(msg Message) ([]byte, error) {
	env := envelope{
		CallID:   string(msg.CallID),
		SenderID: string(msg.SenderID),
		Seq:      msg.Seq,
		Kind:     msg.Kind,
	}
	if msg.Payload != nil {
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
