//go:build js && wasm

// Command wasm exposes client-side helpers to the submission UI: a
// hunter can compute the commitment of a report before sending it,
// check a signed receipt, and read when a disclosure capsule opens.
package main

import (
	"encoding/json"
	"syscall/js"
	"time"

	"bounty-zk/circuits/bugproof"
	"bounty-zk/pkg/attest"
	"bounty-zk/pkg/disclosure"
	"bounty-zk/pkg/report"
)

// commitReport(description, errorMessage, codeSnippet)
// Returns: {commitmentHex, publicSignal}
func commitReport(this js.Value, args []js.Value) interface{} {
	if len(args) < 3 {
		return errorResponse("args: description, errorMessage, codeSnippet")
	}

	r := report.BugReport{
		Description:  args[0].String(),
		ErrorMessage: args[1].String(),
		CodeSnippet:  args[2].String(),
	}
	if err := r.Validate(); err != nil {
		return errorResponse(err.Error())
	}

	c := report.Commit(r)
	return map[string]interface{}{
		"commitmentHex": c.Hex(),
		"publicSignal":  bugproof.PublicSignal(c).String(),
	}
}

// verifyReceipt(receiptJSON, trustedPublicKey)
// Returns: {success, error?}
func verifyReceipt(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return errorResponse("args: receiptJSON, trustedPublicKey")
	}

	var rcpt attest.Receipt
	if err := json.Unmarshal([]byte(args[0].String()), &rcpt); err != nil {
		return errorResponse("failed to unmarshal receipt: " + err.Error())
	}
	if rcpt.PublicKey != args[1].String() {
		return map[string]interface{}{
			"success": false,
			"error":   "receipt signed by an unexpected key",
		}
	}
	if err := attest.Verify(rcpt); err != nil {
		return map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		}
	}

	return map[string]interface{}{
		"success": true,
	}
}

// inspectDisclosure(armoredCapsule)
// Returns: {round, chainHash, opensAt}
func inspectDisclosure(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResponse("args: armoredCapsule")
	}

	round, chainHash, err := disclosure.Inspect(args[0].String())
	if err != nil {
		return errorResponse(err.Error())
	}

	resp := map[string]interface{}{
		"round":     round,
		"chainHash": chainHash,
	}
	if n := disclosure.DefaultQuicknet(); n.ChainHash == chainHash {
		resp["opensAt"] = n.RoundToTime(round).UTC().Format(time.RFC3339)
	}
	return resp
}

func errorResponse(msg string) map[string]interface{} {
	return map[string]interface{}{
		"error": msg,
	}
}

func main() {
	c := make(chan struct{})
	js.Global().Set("commitReport", js.FuncOf(commitReport))
	js.Global().Set("verifyReceipt", js.FuncOf(verifyReceipt))
	js.Global().Set("inspectDisclosure", js.FuncOf(inspectDisclosure))
	js.Global().Set("openDisclosure", js.FuncOf(openDisclosure))
	<-c
}
