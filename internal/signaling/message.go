package signaling

import (
	"encoding/json"
	"fmt"
)

// ClientKind enumerates the closed set of message kinds a peer may send.
// Decoding produces an exhaustive Go value instead of leaving callers to
// dispatch on a raw string, with the payload decoded into its typed shape
// once at the session boundary rather than per-handler.
type ClientKind string

const (
	ClientGetRouterRTPCapabilities ClientKind = "get_router_rtp_capabilities"
	ClientGetTransport             ClientKind = "get_transport"
	ClientConnectTransport         ClientKind = "connect_transport"
	ClientProduce                  ClientKind = "produce"
	ClientConsume                  ClientKind = "consume"
	ClientLeave                    ClientKind = "leave"
)

type clientEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// GetTransportData requests allocation of a send or recv transport.
type GetTransportData struct {
	Direction string `json:"direction"`
}

// ConnectTransportData carries the client's DTLS parameters for whichever
// transport direction it names. The session decodes DTLSParameters as a
// webrtc.SessionDescription (the client's SDP offer) and passes it to
// Transport.Connect.
type ConnectTransportData struct {
	Direction      string          `json:"direction"`
	DTLSParameters json.RawMessage `json:"dtls_parameters"`
}

// ProduceData carries a host's produce request.
type ProduceData struct {
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtp_parameters"`
	AppData       json.RawMessage `json:"app_data,omitempty"`
}

// ConsumeData carries a viewer's consume request.
type ConsumeData struct {
	ProducerID      string          `json:"producer_id"`
	RTPCapabilities json.RawMessage `json:"rtp_capabilities"`
}

// ClientMessage is the decoded, exhaustive form of one inbound frame.
// Exactly one of the pointer fields is non-nil, matching Kind.
type ClientMessage struct {
	Kind             ClientKind
	GetTransport     *GetTransportData
	ConnectTransport *ConnectTransportData
	Produce          *ProduceData
	Consume          *ConsumeData
}

// ParseClientMessage decodes one raw WebSocket text frame. An unknown type
// or malformed data payload is a VALIDATION-class error the caller should
// turn into an error frame, not a closed session.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	msg := &ClientMessage{Kind: ClientKind(env.Type)}

	switch msg.Kind {
	case ClientGetRouterRTPCapabilities, ClientLeave:
		// no payload

	case ClientGetTransport:
		var d GetTransportData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		msg.GetTransport = &d

	case ClientConnectTransport:
		var d ConnectTransportData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		msg.ConnectTransport = &d

	case ClientProduce:
		var d ProduceData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		msg.Produce = &d

	case ClientConsume:
		var d ConsumeData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		msg.Consume = &d

	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	return msg, nil
}

func unmarshalData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing data payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed data payload: %w", err)
	}
	return nil
}

// serverEnvelope is the outbound frame shape for every server-to-client
// message kind listed below.
type serverEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func encode(kind string, data any) []byte {
	b, err := json.Marshal(serverEnvelope{Type: kind, Data: data})
	if err != nil {
		// Only reachable if data contains something non-serializable, which
		// every caller in this package avoids by construction.
		b, _ = json.Marshal(serverEnvelope{Type: "error", Data: errorPayload{Code: "INTERNAL", Message: "failed to encode response"}})
	}
	return b
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorFrame(code, message string) []byte {
	return encode("error", errorPayload{Code: code, Message: message})
}

type welcomePayload struct {
	PeerID          string          `json:"peer_id"`
	Role            string          `json:"role"`
	RTPCapabilities json.RawMessage `json:"rtp_capabilities"`
	ICEServers      []iceServerJSON `json:"ice_servers"`
}

type iceServerJSON struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type transportPayload struct {
	TransportID string `json:"transport_id"`
	Direction   string `json:"direction"`
	SDP         string `json:"sdp"`
}

type connectedPayload struct {
	Direction string `json:"direction"`
}

type producedPayload struct {
	ProducerID string `json:"producer_id"`
}

type consumedPayload struct {
	ConsumerID string `json:"consumer_id"`
	Kind       string `json:"kind"`
	ProducerID string `json:"producer_id"`
}

type newProducerPayload struct {
	ProducerID string `json:"producer_id"`
	Kind       string `json:"kind"`
}

type viewerEventPayload struct {
	PeerID   string `json:"peer_id"`
	Username string `json:"username,omitempty"`
}
