package operation

import (
	"fmt"

	"github.com/congo-pay/tradeledger/internal/fsm"
	"github.com/congo-pay/tradeledger/internal/ledger"
)

type transition = fsm.Transition[Status, Event]

var base = []transition{
	{Event: EventProcess, From: []Status{StatusPending}, To: StatusProcessing},
	{Event: EventComplete, From: []Status{StatusProcessing}, To: StatusCompleted},
	{Event: EventFail, From: []Status{StatusPending, StatusProcessing}, To: StatusFailed},
}

var (
	simpleMachine = fsm.New("operation", base...)

	// Withdrawals can be withdrawn by the user until they are handed off.
	withdrawalMachine = fsm.New("withdrawal_operation", append(append([]transition(nil), base...),
		transition{Event: EventCancel, From: []Status{StatusPending}, To: StatusCancelled},
	)...)

	// A coin withdrawal stays processing while the engine broadcasts it, so a
	// processing withdrawal can still be cancelled when the engine rejects it.
	coinWithdrawalMachine = fsm.New("coin_withdrawal_operation", append(append([]transition(nil), base...),
		transition{Event: EventCancel, From: []Status{StatusPending, StatusProcessing}, To: StatusCancelled},
	)...)
)

// Machine returns the transition table for kind.
func Machine(kind ledger.OperationKind) (*fsm.Machine[Status, Event], error) {
	switch kind {
	case ledger.OpCoinDeposit, ledger.OpInternalTransfer, ledger.OpBalanceLock,
		ledger.OpMerchantEscrow, ledger.OpFiatDeposit:
		return simpleMachine, nil
	case ledger.OpFiatWithdrawal:
		return withdrawalMachine, nil
	case ledger.OpCoinWithdrawal:
		return coinWithdrawalMachine, nil
	}
	return nil, fmt.Errorf("unknown operation kind %q", kind)
}
