// Package cvm maps the EMV cardholder-verification result to a PIN routing
// decision.
package cvm

// Result codes reported by the EMV kernel.
const (
	CodeOnlinePIN      = "01"
	CodeOfflinePIN     = "42"
	CodeNoCVM          = "00"
	CodeConsumerDevice = "03"
)

// PinTypeOnline is the PIN-entry type that means the PIN was captured for
// online verification.
const PinTypeOnline = 1

// Decision says whether the captured PIN block goes to the backend.
type Decision struct {
	Code             string `json:"code"`
	SendPinToBackend bool   `json:"send_pin_to_backend"`
	Description      string `json:"description"`
}

var table = map[string]Decision{
	CodeOnlinePIN:      {Code: CodeOnlinePIN, SendPinToBackend: true, Description: "online PIN required"},
	CodeOfflinePIN:     {Code: CodeOfflinePIN, Description: "offline PIN verified by card"},
	CodeNoCVM:          {Code: CodeNoCVM, Description: "no CVM required"},
	CodeConsumerDevice: {Code: CodeConsumerDevice, Description: "consumer device CVM"},
}

// Decide returns the decision for code. A nil code means the kernel gave no
// CVM result and the PIN-entry type decides. Unknown codes withhold the PIN.
func Decide(code *string, pinType int) Decision {
	if code == nil {
		return Decision{
			SendPinToBackend: pinType == PinTypeOnline,
			Description:      "CVM unavailable, using PIN entry type",
		}
	}
	if d, ok := table[*code]; ok {
		return d
	}

	return Decision{Code: *code, Description: "unrecognized CVM result"}
}

// Codes lists the recognized result codes in display order.
func Codes() []string {
	return []string{CodeOnlinePIN, CodeOfflinePIN, CodeNoCVM, CodeConsumerDevice}
}
