package texhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/narvanalabs/texhub-worker/internal/models"
)

// expireCheckBody is the fixed request body of the expire check.
var expireCheckBody = []byte(`{"expire_time": 1}`)

// CheckExpired asks the ledger to flag compile jobs that exceeded their
// allotted time.
func (c *Client) CheckExpired(ctx context.Context) error {
	respBody, err := c.doJSON(ctx, http.MethodPost, PathExpireCheck, expireCheckBody)
	if err != nil {
		return err
	}

	var envelope models.APIResponse[json.RawMessage]
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decoding expire check response: %w: %s", err, truncate(respBody, 512))
	}
	if !envelope.Successful() {
		return fmt.Errorf("%w: expire check: %s %s", ErrUnsuccessful, envelope.ResultCode, envelope.Msg)
	}
	return nil
}

func jsonBody(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return bytes.NewReader(b), nil
}
