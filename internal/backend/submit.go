package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"raze-trader/internal/bundle"
)

const submitPath = "/api/transactions/send"

// SubmitResult is the submission service's acknowledgement.
type SubmitResult struct {
	Result  string `json:"result"`
	Details string `json:"details,omitempty"`
}

// Submit sends one signed bundle. Submissions are not retried: a timed out
// request may still have landed.
func (c *Client) Submit(ctx context.Context, signed bundle.SignedBundle) (SubmitResult, error) {
	if len(signed) == 0 {
		return SubmitResult{}, fmt.Errorf("%w: empty bundle", ErrRejected)
	}

	payload := struct {
		Transactions []string `json:"transactions"`
	}{Transactions: signed}

	body, err := c.postJSON(ctx, c.submitURL+submitPath, payload, 0)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && len(body) > 0 && gjson.ValidBytes(body) {
			if msg := gjson.GetBytes(body, "error"); msg.Exists() {
				return SubmitResult{}, fmt.Errorf("%w: %s", ErrRejected, submitError(gjson.ParseBytes(body)))
			}
		}
		return SubmitResult{}, err
	}

	if !gjson.ValidBytes(body) {
		return SubmitResult{}, fmt.Errorf("%w: submission response is not json", ErrMalformed)
	}
	root := gjson.ParseBytes(body)
	if !root.Get("success").Bool() {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrRejected, submitError(root))
	}

	return SubmitResult{
		Result:  root.Get("result").String(),
		Details: root.Get("details").String(),
	}, nil
}

func submitError(root gjson.Result) string {
	msg := root.Get("error").String()
	if msg == "" {
		msg = "submission failed"
	}
	if details := root.Get("details").String(); details != "" {
		msg += ": " + details
	}
	return msg
}
