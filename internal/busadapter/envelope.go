package busadapter

import "encoding/json"

// Envelope is the canonical wire shape for every bus message.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Bus channel names. Strings are contracts: external strategy processes
// depend on these exact values.
const (
	ChannelInstanceControl      = "instance:control"
	ChannelOrderManagement      = "order:management"
	ChannelCMRequests           = "connection-manager:requests"
	ChannelCMResponse           = "connection-manager:response"
	ChannelAccountRequest       = "account-request"
	ChannelAccountResponse      = "account-response"
	ChannelMarketData           = "market:data"
	ChannelHistoricalResponse   = "historical:data:response"
	ChannelConnectionStatus     = "connection:status"
	ChannelSystemEvents         = "system:events"
)

// eventChannel maps an outbound event type to its default channel, used by
// Publish when the caller does not supply one explicitly.
var eventChannel = map[string]string{
	"QUOTE":                     ChannelMarketData,
	"TRADE":                     ChannelMarketData,
	"DEPTH":                     ChannelMarketData,
	"ORDER_FILLED":              ChannelMarketData,
	"POSITION_UPDATE":           ChannelMarketData,
	"TRADE_EXECUTED":            ChannelMarketData,
	"ACCOUNT_UPDATE":            ChannelMarketData,
	"ORDER_RESPONSE":            ChannelOrderManagement,
	"ORDER_CANCELLATION_RESPONSE": ChannelOrderManagement,
	"BRACKET_ORDER_COMPLETE":    ChannelOrderManagement,
	"REGISTRATION_RESPONSE":     ChannelInstanceControl,
	"HISTORICAL_DATA_RESPONSE":  ChannelHistoricalResponse,
	"RECONCILIATION_RESPONSE":   ChannelCMResponse,
	"CONNECTED":                 ChannelConnectionStatus,
	"RECONNECTING":              ChannelConnectionStatus,
	"SHUTTING_DOWN":             ChannelConnectionStatus,
	"PAUSE_TRADING":             ChannelSystemEvents,
	"RESUME_TRADING":            ChannelSystemEvents,
	"RECONCILIATION_REQUIRED":   ChannelSystemEvents,
}

// channelFor resolves the default channel for an event type. ok is false
// when the type is unknown and the caller must supply a channel explicitly.
func channelFor(eventType string) (string, bool) {
	ch, ok := eventChannel[eventType]
	return ch, ok
}
