//go:build js && wasm

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"syscall/js"
	"time"

	"github.com/sirupsen/logrus"

	"bounty-zk/pkg/disclosure"
)

// openDisclosure decrypts a published disclosure capsule.
// Args: capsuleJSON (string), endpoints (string[])
// Returns: Promise<{plaintext}>
func openDisclosure(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return errorResponse("missing arguments: capsuleJSON, endpoints")
	}

	var capsule disclosure.Capsule
	if err := json.Unmarshal([]byte(args[0].String()), &capsule); err != nil {
		return errorResponse(fmt.Sprintf("invalid capsule JSON: %v", err))
	}

	jsEndpoints := args[1]
	network := disclosure.DefaultQuicknet()
	network.Endpoints = make([]string, jsEndpoints.Length())
	for i := 0; i < jsEndpoints.Length(); i++ {
		network.Endpoints[i] = jsEndpoints.Index(i).String()
	}

	// Network calls block, so they run outside the JS callback
	return promise(func() (interface{}, error) {
		s, err := disclosure.NewSealer(network, time.Second, nil, logrus.NewEntry(logrus.StandardLogger()))
		if err != nil {
			return nil, err
		}
		text, err := s.Open(context.Background(), &capsule, time.Now())
		if err != nil {
			return nil, fmt.Errorf("decryption failed: %w", err)
		}
		return map[string]interface{}{"plaintext": text}, nil
	})
}

func promise(fn func() (interface{}, error)) js.Value {
	var handler js.Func
	handler = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		resolve, reject := args[0], args[1]
		go func() {
			defer handler.Release()
			v, err := fn()
			if err != nil {
				reject.Invoke(js.Global().Get("Error").New(err.Error()))
				return
			}
			resolve.Invoke(v)
		}()
		return nil
	})
	return js.Global().Get("Promise").New(handler)
}
