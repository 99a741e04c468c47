package bus

// Channel names are a stable contract shared with the producers and the
// Connection Manager. Do not rename.
const (
	ChannelOrders        = "aggregator:orders"
	ChannelRequests      = "aggregator:requests"
	ChannelMarketDataOut = "aggregator:market-data"
	ChannelEvents        = "aggregator:events"
	ChannelMarketData    = "market:data"
	ChannelFills         = "order:fills"
	ChannelOrderStatus   = "order:status"
	ChannelCMRequests    = "connection-manager:requests"
	ChannelCMResponses   = "connection-manager:responses"
)

// Message type tags carried in the envelope.
const (
	TypeManualOrder        = "MANUAL_ORDER"
	TypeSubmissionResult   = "SUBMISSION_RESULT"
	TypePlaceOrder         = "PLACE_ORDER"
	TypeCancelOrder        = "CANCEL_ORDER"
	TypeGetAccounts        = "GET_ACCOUNTS"
	TypeGetActiveContracts = "GET_ACTIVE_CONTRACTS"
	TypeGetStatistics      = "GET_STATISTICS"
	TypeResponse           = "RESPONSE"
	TypeMarketTick         = "MARKET_TICK"
	TypeFill               = "FILL"
	TypeOrderStatus        = "ORDER_STATUS"
)

// Lifecycle event tags published on ChannelEvents.
const (
	TagOrderSubmitted = "orderSubmitted"
	TagOrderProcessed = "orderProcessed"
	TagOrderRejected  = "orderRejected"
	TagOrderFailed    = "orderFailed"
	TagFillProcessed  = "fillProcessed"
)

// PrivateChannel derives the one-shot correlation channel for a request.
func PrivateChannel(requestID string) string {
	return "aggregator:rsp:" + requestID
}
