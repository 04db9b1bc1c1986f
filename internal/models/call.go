package models

import "github.com/pion/webrtc/v4"

// CallType is the media kind requested by the caller.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

type CallOfferPayload struct {
	To       string                    `json:"to"`
	From     string                    `json:"from,omitempty"`
	Offer    webrtc.SessionDescription `json:"offer"`
	CallType CallType                  `json:"callType"`
}

type CallIncomingPayload struct {
	CallID   string                    `json:"callId"`
	From     string                    `json:"from"`
	Offer    webrtc.SessionDescription `json:"offer"`
	CallType CallType                  `json:"callType"`
}

type CallAnswerPayload struct {
	To     string                    `json:"to"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type CallAnsweredPayload struct {
	CallID string                    `json:"callId"`
	From   string                    `json:"from"`
	To     string                    `json:"to"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type CallICEPayload struct {
	To        string                  `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type CallICERelayPayload struct {
	From      string                  `json:"from"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// CallTargetPayload carries call:cancel, call:reject and call:end.
type CallTargetPayload struct {
	To string `json:"to"`
}

// CallSignalPayload carries the terminal notifications.
type CallSignalPayload struct {
	CallID string `json:"callId"`
	From   string `json:"from,omitempty"`
}

type CallErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	To      string `json:"to,omitempty"`
}
