// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the OMS — markets, order type
// and state enums, order actions, and the free-form order comment bag. It
// has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"fmt"
	"strconv"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Market identifies the exchange a contract trades on.
type Market string

const (
	CME   Market = "CME"
	CBOT  Market = "CBOT"
	NYMEX Market = "NYMEX"
	COMEX Market = "COMEX"
	HKFE  Market = "HKFE"
	EUREX Market = "EUREX"
)

// ParseMarket converts a wire string into a Market.
func ParseMarket(s string) (Market, error) {
	switch m := Market(s); m {
	case CME, CBOT, NYMEX, COMEX, HKFE, EUREX:
		return m, nil
	}
	return "", fmt.Errorf("unknown market %q", s)
}

// OrderType enumerates the supported order types.
type OrderType string

const (
	MKT    OrderType = "MKT"     // market
	LMT    OrderType = "LMT"     // limit
	STP    OrderType = "STP"     // stop
	STPLMT OrderType = "STP_LMT" // stop-limit
)

// ParseOrderType converts a wire string into an OrderType.
func ParseOrderType(s string) (OrderType, error) {
	switch t := OrderType(s); t {
	case MKT, LMT, STP, STPLMT:
		return t, nil
	}
	return "", fmt.Errorf("unknown order type %q", s)
}

// IsStop reports whether the order type rests behind a stop trigger.
func (t OrderType) IsStop() bool { return t == STP || t == STPLMT }

// OrderState is the ledger-visible lifecycle state of an order.
type OrderState string

const (
	StateNew             OrderState = "NEW"
	StatePending         OrderState = "PENDING"
	StateActive          OrderState = "ACTIVE"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFullyFilled     OrderState = "FULLY_FILLED"
	StateCancelled       OrderState = "CANCELLED"
	StateRejected        OrderState = "REJECTED"
	StateInactive        OrderState = "INACTIVE"
	StateExited          OrderState = "EXITED" // position-by-entry terminal state
)

// Action classifies what an order does to the strategy's position.
type Action string

const (
	Entry          Action = "ENTRY"
	Exit           Action = "EXIT"
	StopLoss       Action = "STOP_LOSS"
	ManualStopLoss Action = "MANUAL_STOP_LOSS"
	Roll           Action = "ROLL"
	Reduce         Action = "REDUCE"
	Increase       Action = "INCREASE"
	Amend          Action = "AMEND"
)

// ParseAction converts a wire string into an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case Entry, Exit, StopLoss, ManualStopLoss, Roll, Reduce, Increase, Amend:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// IsEntry reports whether the action opens a position.
func (a Action) IsEntry() bool { return a == Entry }

// IsExit reports whether the action closes a position.
func (a Action) IsExit() bool { return a == Exit }

// SignedQuantity converts an unsigned fill quantity into a signed position
// delta: positive for buys, negative for sells.
func SignedQuantity(isBuy bool, quantity int) int {
	if isBuy {
		return quantity
	}
	return -quantity
}

// ————————————————————————————————————————————————————————————————————————
// Order comment bag
// ————————————————————————————————————————————————————————————————————————

// Recognised comment keys. The comment is a free-form string-keyed mapping
// attached to an order; it travels opaquely through the ledger but the keys
// below carry meaning inside the OMS.
const (
	CommentAttachment         = "attachment"
	CommentConstraint         = "constraint"
	CommentCost               = "cost"
	CommentCustomizedQuantity = "customized_quantity"
	CommentGoodTill           = "good_till"
	CommentOrderReference     = "order_reference"
	CommentPatternName        = "pattern_name"
	CommentExchangeTimestamp  = "exchange_timestamp"
	CommentStopLossAbsolute   = "stop_loss_absolute"
	CommentStopLossOffset     = "stop_loss_offset"
	CommentRiskFactor         = "risk_factor"
)

// Constraint values for CommentConstraint.
const (
	ConstraintLongOnly  = "long-only"
	ConstraintShortOnly = "short-only"
)

// Comment is the heterogeneous comment bag carried on an order. Values are
// whatever JSON produced (string, float64, bool); use the typed getters.
type Comment map[string]any

// GetString returns the string form of a comment value, or "" if absent.
func (c Comment) GetString(key string) string {
	if c == nil {
		return ""
	}
	v, ok := c[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

// GetFloat returns the numeric form of a comment value. The second return
// is false when the key is absent or not numeric.
func (c Comment) GetFloat(key string) (float64, bool) {
	if c == nil {
		return 0, false
	}
	v, ok := c[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Has reports whether the key is present with a non-nil value.
func (c Comment) Has(key string) bool {
	if c == nil {
		return false
	}
	v, ok := c[key]
	return ok && v != nil
}

// Validate checks the well-known keys for usable values. Unknown keys pass
// untouched; the comment stays an opaque document otherwise.
func (c Comment) Validate() error {
	if c == nil {
		return nil
	}
	if c.Has(CommentConstraint) {
		switch c.GetString(CommentConstraint) {
		case ConstraintLongOnly, ConstraintShortOnly:
		default:
			return fmt.Errorf("unknown constraint %q", c.GetString(CommentConstraint))
		}
	}
	if c.Has(CommentStopLossOffset) {
		if _, ok := c.GetFloat(CommentStopLossOffset); !ok {
			return fmt.Errorf("stop_loss_offset %q is not numeric", c.GetString(CommentStopLossOffset))
		}
	}
	if c.Has(CommentStopLossAbsolute) {
		if _, ok := c.GetFloat(CommentStopLossAbsolute); !ok {
			return fmt.Errorf("stop_loss_absolute %q is not numeric", c.GetString(CommentStopLossAbsolute))
		}
	}
	if c.Has(CommentGoodTill) {
		if _, err := time.Parse("2006-01-02T15:04:05", c.GetString(CommentGoodTill)); err != nil {
			return fmt.Errorf("good_till %q is not an ISO-8601 timestamp", c.GetString(CommentGoodTill))
		}
	}
	return nil
}
