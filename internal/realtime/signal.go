package realtime

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"

	"github.com/aura-webinar/signaling/internal/validate"
)

var errInvalidSignal = &validate.FieldError{Field: "signal", Reason: "must be a session description, candidate or renegotiation request"}

// signalEnvelope covers the messages peers exchange while negotiating.
type signalEnvelope struct {
	Type               string          `json:"type"`
	SDP                string          `json:"sdp"`
	Candidate          json.RawMessage `json:"candidate"`
	Renegotiate        bool            `json:"renegotiate"`
	TransceiverRequest json.RawMessage `json:"transceiverRequest"`
}

// validSignal accepts a session description, an ICE candidate or a
// renegotiation request. The server relays signals without interpreting them.
func validSignal(raw json.RawMessage) error {
	var s signalEnvelope
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return errInvalidSignal
	}
	switch {
	case s.Type == "candidate" || len(s.Candidate) > 0:
		var cand webrtc.ICECandidateInit
		if json.Unmarshal(s.Candidate, &cand) != nil || cand.Candidate == "" {
			return errInvalidSignal
		}
	case s.Type != "":
		if !validDescription(s.Type, s.SDP) {
			return errInvalidSignal
		}
	case s.Renegotiate || len(s.TransceiverRequest) > 0:
	default:
		return errInvalidSignal
	}
	return nil
}

func validDescription(typ, sdp string) bool {
	switch webrtc.NewSDPType(typ) {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
		return sdp != ""
	case webrtc.SDPTypeRollback:
		return true
	default:
		return false
	}
}
