package backend

import (
	"fmt"

	"github.com/tidwall/gjson"

	"raze-trader/internal/bundle"
)

// DecodeStatus tags the outcome of decoding a prep response.
type DecodeStatus int

const (
	DecodeOK DecodeStatus = iota
	DecodeEmpty
	DecodeMalformed
	DecodeRejected
)

func (s DecodeStatus) String() string {
	switch s {
	case DecodeOK:
		return "ok"
	case DecodeEmpty:
		return "empty"
	case DecodeMalformed:
		return "malformed"
	case DecodeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Shape names the response layout the bundles were found in.
type Shape string

const (
	ShapeNestedBundles      Shape = "data.bundles"
	ShapeNestedTransactions Shape = "data.transactions"
	ShapeBundles            Shape = "bundles"
	ShapeTransactions       Shape = "transactions"
	ShapeRawArray           Shape = "array"
)

// DecodeResult is the tagged result of DecodePrepResponse.
type DecodeResult struct {
	Status  DecodeStatus
	Shape   Shape
	Bundles []bundle.Bundle
	Reason  string
}

// Err converts a non-OK result into an error.
func (r DecodeResult) Err() error {
	switch r.Status {
	case DecodeOK:
		return nil
	case DecodeEmpty:
		return fmt.Errorf("%w (%s)", ErrEmpty, r.Shape)
	case DecodeRejected:
		return fmt.Errorf("%w: %s", ErrRejected, r.Reason)
	default:
		return fmt.Errorf("%w: %s", ErrMalformed, r.Reason)
	}
}

var prepShapes = []struct {
	path  string
	shape Shape
	flat  bool
}{
	{"data.bundles", ShapeNestedBundles, false},
	{"data.transactions", ShapeNestedTransactions, true},
	{"bundles", ShapeBundles, false},
	{"transactions", ShapeTransactions, true},
}

// DecodePrepResponse normalises the five prep response layouts into bundles:
// nested bundles, nested flat transactions, top-level bundles, top-level flat
// transactions and a raw array.
func DecodePrepResponse(body []byte) DecodeResult {
	if !gjson.ValidBytes(body) {
		return DecodeResult{Status: DecodeMalformed, Reason: "invalid json"}
	}
	root := gjson.ParseBytes(body)

	if root.IsObject() {
		if ok := root.Get("success"); ok.Exists() && !ok.Bool() {
			return DecodeResult{Status: DecodeRejected, Reason: errorMessage(root)}
		}
		for _, candidate := range prepShapes {
			v := root.Get(candidate.path)
			if !v.IsArray() {
				continue
			}
			var (
				bundles []bundle.Bundle
				err     error
			)
			if candidate.flat {
				bundles, err = flatBundle(v)
			} else {
				bundles, err = bundleList(v)
			}
			return finish(candidate.shape, bundles, err)
		}
		return DecodeResult{Status: DecodeMalformed, Reason: "no bundles or transactions field"}
	}

	if root.IsArray() {
		arr := root.Array()
		if len(arr) > 0 && arr[0].Type == gjson.String {
			bundles, err := flatBundle(root)
			return finish(ShapeRawArray, bundles, err)
		}
		bundles, err := bundleList(root)
		return finish(ShapeRawArray, bundles, err)
	}

	return DecodeResult{Status: DecodeMalformed, Reason: "unexpected json type " + root.Type.String()}
}

func finish(shape Shape, bundles []bundle.Bundle, err error) DecodeResult {
	if err != nil {
		return DecodeResult{Status: DecodeMalformed, Shape: shape, Reason: err.Error()}
	}
	total := 0
	for _, b := range bundles {
		total += len(b)
	}
	if total == 0 {
		return DecodeResult{Status: DecodeEmpty, Shape: shape}
	}
	return DecodeResult{Status: DecodeOK, Shape: shape, Bundles: bundles}
}

// flatBundle reads an array of transaction strings as one bundle.
func flatBundle(v gjson.Result) ([]bundle.Bundle, error) {
	txs, err := stringArray(v)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return []bundle.Bundle{txs}, nil
}

// bundleList reads an array whose items are {transactions:[...]} objects or string arrays.
func bundleList(v gjson.Result) ([]bundle.Bundle, error) {
	items := v.Array()
	out := make([]bundle.Bundle, 0, len(items))
	for i, item := range items {
		var (
			txs bundle.Bundle
			err error
		)
		switch {
		case item.IsObject():
			inner := item.Get("transactions")
			if !inner.IsArray() {
				return nil, fmt.Errorf("bundle %d has no transactions", i)
			}
			txs, err = stringArray(inner)
		case item.IsArray():
			txs, err = stringArray(item)
		case item.Type == gjson.String:
			txs = bundle.Bundle{item.String()}
		default:
			return nil, fmt.Errorf("bundle %d has type %s", i, item.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("bundle %d: %w", i, err)
		}
		if len(txs) > 0 {
			out = append(out, txs)
		}
	}
	return out, nil
}

func stringArray(v gjson.Result) (bundle.Bundle, error) {
	items := v.Array()
	out := make(bundle.Bundle, 0, len(items))
	for i, item := range items {
		if item.Type != gjson.String || item.String() == "" {
			return nil, fmt.Errorf("transaction %d is not a string", i)
		}
		out = append(out, item.String())
	}
	return out, nil
}

func errorMessage(root gjson.Result) string {
	for _, path := range []string{"error", "message", "details"} {
		if v := root.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return "unknown error"
}
