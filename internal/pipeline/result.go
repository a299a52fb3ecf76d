package pipeline

import "net/http"

// Action names the outcome of one webhook delivery.
type Action string

const (
	ActionStrategyExecuted  Action = "strategy_executed"
	ActionAlreadyProcessed  Action = "already_processed"
	ActionAlreadyProcessing Action = "already_processing"
	ActionIgnored           Action = "ignored"
	ActionValidationFailed  Action = "validation_failed"
	ActionBlocked           Action = "blocked"
	ActionExecutionFailed   Action = "execution_failed"
	ActionExecutionRetry    Action = "execution_retry"
	ActionStoreUnavailable  Action = "store_unavailable"
	ActionUnauthorized      Action = "unauthorized"
	ActionInvalidPayload    Action = "invalid_payload"
	ActionInternalError     Action = "internal_error"
)

// httpStatus maps an action onto the response code. Anything the processor
// should redeliver is non-2xx.
var httpStatus = map[Action]int{
	ActionStrategyExecuted:  http.StatusOK,
	ActionAlreadyProcessed:  http.StatusOK,
	ActionAlreadyProcessing: http.StatusOK,
	ActionIgnored:           http.StatusOK,
	ActionValidationFailed:  http.StatusOK,
	ActionBlocked:           http.StatusOK,
	ActionExecutionFailed:   http.StatusOK,
	ActionExecutionRetry:    http.StatusInternalServerError,
	ActionStoreUnavailable:  http.StatusServiceUnavailable,
	ActionUnauthorized:      http.StatusUnauthorized,
	ActionInvalidPayload:    http.StatusBadRequest,
	ActionInternalError:     http.StatusInternalServerError,
}

// Succeeded reports whether a means the payment is, or is being, handled as
// intended.
func (a Action) Succeeded() bool {
	switch a {
	case ActionStrategyExecuted, ActionAlreadyProcessed, ActionAlreadyProcessing, ActionIgnored:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the response code for a.
func (a Action) HTTPStatus() int {
	if code, ok := httpStatus[a]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// LegOutcome reports one venue leg of a payment.
type LegOutcome struct {
	Venue    string `json:"venue"`
	Amount   string `json:"amount"`
	Success  bool   `json:"success"`
	TxHash   string `json:"tx_hash,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Note     string `json:"note,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Result is the response body for one delivery.
type Result struct {
	Success    bool         `json:"success"`
	Action     Action       `json:"action"`
	PaymentID  string       `json:"payment_id,omitempty"`
	PositionID string       `json:"position_id,omitempty"`
	TxHash     string       `json:"tx_hash,omitempty"`
	GasTxHash  string       `json:"gas_tx_hash,omitempty"`
	Deposit    string       `json:"deposit,omitempty"`
	Legs       []LegOutcome `json:"legs,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// HTTPStatus returns the response code for r.
func (r Result) HTTPStatus() int { return r.Action.HTTPStatus() }

func newResult(action Action, paymentID string) Result {
	return Result{
		Success:   action.Succeeded(),
		Action:    action,
		PaymentID: paymentID,
	}
}

func failResult(action Action, paymentID string, err error) Result {
	r := newResult(action, paymentID)
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
