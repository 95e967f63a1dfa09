package protocol

// Message kinds (fits in the header Type byte).
const (
	MsgUnknown uint8 = iota
	MsgPublish       // data-plane topic message, payload is opaque
	MsgRegister      // control: register node name + endpoints
	MsgRegisterOK    // control: registration accepted
	MsgUnregister    // control: remove node (idempotent)
	MsgListNodes     // control: request registry snapshot
	MsgNodeList      // control: snapshot reply
	MsgSubscribe     // control: add subscription
	MsgSubscribeOK   // control: subscription acknowledged
	MsgUnsubscribe   // control: drop subscription
	MsgAdvertise     // control: declare publisher intent
	MsgHeartbeat     // control: liveness refresh
	MsgError         // control: error reply, payload is ErrorReply
)

// KindName returns a short label for a message kind, for logging.
func KindName(t uint8) string {
	switch t {
	case MsgPublish:
		return "publish"
	case MsgRegister:
		return "register"
	case MsgRegisterOK:
		return "register_ok"
	case MsgUnregister:
		return "unregister"
	case MsgListNodes:
		return "list_nodes"
	case MsgNodeList:
		return "node_list"
	case MsgSubscribe:
		return "subscribe"
	case MsgSubscribeOK:
		return "subscribe_ok"
	case MsgUnsubscribe:
		return "unsubscribe"
	case MsgAdvertise:
		return "advertise"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgError:
		return "error"
	default:
		return "unknown"
	}
}

// ContentType hints for payload decoding. Not serialized in the header;
// payloads are opaque to the bus, these are a convention between endpoints.
const (
	ContentUnknown = "application/octet-stream"
	ContentCBOR    = "application/cbor"
	ContentJSON    = "application/json"
	ContentProto   = "application/x-protobuf"
)
