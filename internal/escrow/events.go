package escrow

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	EventTypeListed    = "escrow.listed"
	EventTypeDeposited = "escrow.deposited"
	EventTypeFunded    = "escrow.funded"
	EventTypeInspected = "escrow.inspected"
	EventTypeApproved  = "escrow.approved"
	EventTypeFinalized = "escrow.finalized"
	EventTypeCancelled = "escrow.cancelled"
)

// Event is the canonical payload emitted after a committed transition.
type Event struct {
	Type       string
	AssetID    AssetID
	Attributes map[string]string
}

// Emitter receives engine events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(evt Event) { f(evt) }

func newEvent(eventType string, id AssetID, caller common.Address) Event {
	attrs := map[string]string{"caller": caller.Hex()}
	if id.Valid() {
		attrs["assetId"] = strconv.FormatUint(uint64(id), 10)
	}
	return Event{Type: eventType, AssetID: id, Attributes: attrs}
}

func newListedEvent(l *Listing, caller common.Address) Event {
	evt := newEvent(EventTypeListed, l.AssetID, caller)
	evt.Attributes["buyer"] = l.Buyer.Hex()
	evt.Attributes["purchasePrice"] = FormatAmount(l.PurchasePrice)
	evt.Attributes["escrowAmount"] = FormatAmount(l.EscrowAmount)
	return evt
}

func newAmountEvent(eventType string, id AssetID, caller common.Address, amount, balance *uint256.Int) Event {
	evt := newEvent(eventType, id, caller)
	evt.Attributes["amount"] = FormatAmount(amount)
	evt.Attributes["balance"] = FormatAmount(balance)
	return evt
}

func newInspectedEvent(id AssetID, caller common.Address, passed bool) Event {
	evt := newEvent(EventTypeInspected, id, caller)
	evt.Attributes["passed"] = strconv.FormatBool(passed)
	return evt
}

func newSettledEvent(eventType string, l *Listing, caller, assetTo, fundsTo common.Address, paid *uint256.Int) Event {
	evt := newEvent(eventType, l.AssetID, caller)
	evt.Attributes["assetTo"] = assetTo.Hex()
	evt.Attributes["fundsTo"] = fundsTo.Hex()
	evt.Attributes["amount"] = FormatAmount(paid)
	return evt
}
