package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotificationFailure wraps any failure to hand an event to the engine.
var ErrNotificationFailure = errors.New("engine notification failed")

// OperationType names the engine-side aggregate an event is about.
type OperationType string

const (
	OperationTrade       OperationType = "trade"
	OperationBalanceLock OperationType = "balance_lock"
	OperationCoinAccount OperationType = "coin_account"
	OperationOffer       OperationType = "offer"
	OperationAmmPool     OperationType = "amm_pool"
	OperationAmmOrder    OperationType = "amm_order"
	OperationAmmPosition OperationType = "amm_position"
	OperationEscrow      OperationType = "merchant_escrow"
	OperationWithdrawal  OperationType = "coin_withdrawal"
)

// ActionType names what happened to the aggregate.
type ActionType string

const (
	ActionCreate   ActionType = "create"
	ActionUpdate   ActionType = "update"
	ActionComplete ActionType = "complete"
	ActionCancel   ActionType = "cancel"
	ActionUnlock   ActionType = "unlock"
	ActionQuery    ActionType = "query"
	ActionDisable  ActionType = "disable"
	ActionEnable   ActionType = "enable"
	ActionDelete   ActionType = "delete"
)

// Event is one message of the engine contract. Data carries the
// type-specific fields and is flattened next to the fixed keys on the wire.
type Event struct {
	EventID       string
	OperationType OperationType
	ActionType    ActionType
	ActionID      string
	Identifier    string
	Status        string
	Data          map[string]any
	OccurredAt    time.Time
}

// DeterministicEventID derives a stable id from parts so a replayed transition
// produces the same id and can be de-duplicated downstream.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

// NewEvent builds an event whose id is derived from the operation, action,
// identifier and status.
func NewEvent(op OperationType, action ActionType, actionID, identifier, status string, data map[string]any) Event {
	return Event{
		EventID:       DeterministicEventID(string(op), string(action), identifier, status),
		OperationType: op,
		ActionType:    action,
		ActionID:      actionID,
		Identifier:    identifier,
		Status:        status,
		Data:          data,
		OccurredAt:    time.Now().UTC(),
	}
}

var reservedKeys = map[string]struct{}{
	"eventId": {}, "operationType": {}, "actionType": {}, "actionId": {},
	"identifier": {}, "status": {}, "timestamp": {},
}

// MarshalJSON flattens Data next to the contract keys.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+7)
	for k, v := range e.Data {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		out[k] = v
	}
	out["eventId"] = e.EventID
	out["operationType"] = e.OperationType
	out["actionType"] = e.ActionType
	out["actionId"] = e.ActionID
	out["identifier"] = e.Identifier
	out["status"] = e.Status
	if !e.OccurredAt.IsZero() {
		out["timestamp"] = e.OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the contract keys from the type-specific fields.
func (e *Event) UnmarshalJSON(raw []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	str := func(k string) string {
		s, _ := fields[k].(string)
		return s
	}
	*e = Event{
		EventID:       str("eventId"),
		OperationType: OperationType(str("operationType")),
		ActionType:    ActionType(str("actionType")),
		ActionID:      str("actionId"),
		Identifier:    str("identifier"),
		Status:        str("status"),
	}
	if ts := str("timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		e.OccurredAt = t
	}
	for k, v := range fields {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		if e.Data == nil {
			e.Data = make(map[string]any)
		}
		e.Data[k] = v
	}
	return nil
}

// String returns the key used in logs.
func (e Event) String() string {
	return fmt.Sprintf("%s/%s %s", e.OperationType, e.ActionType, e.Identifier)
}
