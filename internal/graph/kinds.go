package graph

// Class groups node kinds by how the orchestrator treats them.
type Class int

const (
	ClassTrigger Class = iota + 1
	ClassCondition
	ClassGate
	ClassData
	ClassAction
	ClassStream
	ClassUtility
)

func (c Class) String() string {
	switch c {
	case ClassTrigger:
		return "trigger"
	case ClassCondition:
		return "condition"
	case ClassGate:
		return "gate"
	case ClassData:
		return "data"
	case ClassAction:
		return "action"
	case ClassStream:
		return "stream"
	case ClassUtility:
		return "utility"
	default:
		return "unknown"
	}
}

// Kind is the enumerated node type tag from the editor.
type Kind string

const (
	// Triggers
	KindSchedule   Kind = "schedule"
	KindWebhook    Kind = "webhook"
	KindPriceAlert Kind = "priceAlert"

	// Conditions
	KindTimeCondition     Kind = "timeCondition"
	KindPriceCondition    Kind = "priceCondition"
	KindPositionCondition Kind = "positionCondition"
	KindFundCheck         Kind = "fundCheck"

	// Gates
	KindAndGate Kind = "andGate"
	KindOrGate  Kind = "orGate"
	KindNotGate Kind = "notGate"

	// Data lookups
	KindGetQuote       Kind = "getQuote"
	KindGetDepth       Kind = "getDepth"
	KindGetPositions   Kind = "getPositions"
	KindGetFunds       Kind = "getFunds"
	KindGetOrderStatus Kind = "getOrderStatus"
	KindGetOptionChain Kind = "getOptionChain"

	// Order and side-effect actions
	KindPlaceOrder    Kind = "placeOrder"
	KindModifyOrder   Kind = "modifyOrder"
	KindCancelOrder   Kind = "cancelOrder"
	KindClosePosition Kind = "closePosition"
	KindBasketOrder   Kind = "basketOrder"
	KindSplitOrder    Kind = "splitOrder"
	KindMultiLegOrder Kind = "multiLegOrder"
	KindHTTPRequest   Kind = "httpRequest"
	KindSendAlert     Kind = "sendAlert"
	KindLogMessage    Kind = "logMessage"

	// Streaming
	KindSubscribeLTP   Kind = "subscribeLTP"
	KindSubscribeQuote Kind = "subscribeQuote"
	KindSubscribeDepth Kind = "subscribeDepth"
	KindUnsubscribe    Kind = "unsubscribe"

	// Utility
	KindSetVariable    Kind = "setVariable"
	KindMathExpression Kind = "mathExpression"
	KindDelay          Kind = "delay"
	KindWaitUntil      Kind = "waitUntil"
	KindGroup          Kind = "group"
)

// kindSpec declares what the loader validates for one node kind: its class
// and the config keys that must be present. Validation happens at load time
// so a bad graph never starts a run.
type kindSpec struct {
	class    Class
	required []string
}

var kindSpecs = map[Kind]kindSpec{
	KindSchedule:   {class: ClassTrigger, required: []string{"scheduleType"}},
	KindWebhook:    {class: ClassTrigger, required: []string{"secret"}},
	KindPriceAlert: {class: ClassTrigger, required: []string{"symbol", "exchange", "condition", "value"}},

	KindTimeCondition:     {class: ClassCondition, required: []string{"start", "end"}},
	KindPriceCondition:    {class: ClassCondition, required: []string{"symbol", "exchange", "field", "operator", "value"}},
	KindPositionCondition: {class: ClassCondition, required: []string{"symbol", "exchange", "operator", "quantity"}},
	KindFundCheck:         {class: ClassCondition, required: []string{"minAvailable"}},

	KindAndGate: {class: ClassGate},
	KindOrGate:  {class: ClassGate},
	KindNotGate: {class: ClassGate},

	KindGetQuote:       {class: ClassData, required: []string{"symbol", "exchange", "outputVariable"}},
	KindGetDepth:       {class: ClassData, required: []string{"symbol", "exchange", "outputVariable"}},
	KindGetPositions:   {class: ClassData, required: []string{"outputVariable"}},
	KindGetFunds:       {class: ClassData, required: []string{"outputVariable"}},
	KindGetOrderStatus: {class: ClassData, required: []string{"orderId", "outputVariable"}},
	KindGetOptionChain: {class: ClassData, required: []string{"symbol", "exchange", "expiry", "outputVariable"}},

	KindPlaceOrder:    {class: ClassAction, required: []string{"symbol", "exchange", "action", "quantity", "pricetype", "product"}},
	KindModifyOrder:   {class: ClassAction, required: []string{"orderId"}},
	KindCancelOrder:   {class: ClassAction, required: []string{"orderId"}},
	KindClosePosition: {class: ClassAction, required: []string{"symbol", "exchange"}},
	KindBasketOrder:   {class: ClassAction, required: []string{"orders"}},
	KindSplitOrder:    {class: ClassAction, required: []string{"symbol", "exchange", "action", "quantity", "splitSize", "pricetype", "product"}},
	KindMultiLegOrder: {class: ClassAction, required: []string{"legs"}},
	KindHTTPRequest:   {class: ClassAction, required: []string{"url"}},
	KindSendAlert:     {class: ClassAction, required: []string{"username", "message"}},
	KindLogMessage:    {class: ClassAction, required: []string{"message"}},

	KindSubscribeLTP:   {class: ClassStream, required: []string{"symbol", "exchange", "outputVariable"}},
	KindSubscribeQuote: {class: ClassStream, required: []string{"symbol", "exchange", "outputVariable"}},
	KindSubscribeDepth: {class: ClassStream, required: []string{"symbol", "exchange", "outputVariable"}},
	KindUnsubscribe:    {class: ClassStream},

	KindSetVariable:    {class: ClassUtility, required: []string{"name", "value"}},
	KindMathExpression: {class: ClassUtility, required: []string{"expression", "outputVariable"}},
	KindDelay:          {class: ClassUtility, required: []string{"duration"}},
	KindWaitUntil:      {class: ClassUtility, required: []string{"time"}},
	KindGroup:          {class: ClassUtility},
}

// KnownKind reports whether the loader recognizes a node type tag.
func KnownKind(k Kind) bool {
	_, ok := kindSpecs[k]
	return ok
}

// ClassOf returns the class for a known kind, or 0 for unknown kinds.
func ClassOf(k Kind) Class {
	return kindSpecs[k].class
}
