package texhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/narvanalabs/texhub-worker/internal/models"
)

// ReportStatus transitions the externally visible status of compile job id.
// It returns whether the ledger reported success. The call is never retried;
// callers log a false result and carry on.
func (c *Client) ReportStatus(ctx context.Context, status models.JobStatus, id int64, result models.CompileResult) (bool, error) {
	body := models.CompileStatusRequest{
		CompStatus: status,
		ID:         id,
		CompResult: result,
	}

	respBody, err := c.doJSON(ctx, http.MethodPut, PathCompileStatus, body)
	if err != nil {
		return false, err
	}

	var envelope models.APIResponse[models.CompileQueue]
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return false, fmt.Errorf("decoding compile status response: %w: %s", err, truncate(respBody, 512))
	}
	if !envelope.Successful() {
		return false, fmt.Errorf("%w: compile status %s for %d: %s %s",
			ErrUnsuccessful, status, id, envelope.ResultCode, envelope.Msg)
	}

	c.logger.Debug("compile status reported",
		"queue_id", id,
		"status", status.String(),
		"result", result.String(),
	)
	return true, nil
}

// ReportStatusAsync is the non-blocking form of ReportStatus. It returns at
// once; the request runs on its own goroutine and the returned channel
// receives its outcome exactly once, then closes. Errors are logged, and a
// failed or rejected report yields false.
func (c *Client) ReportStatusAsync(ctx context.Context, status models.JobStatus, id int64, result models.CompileResult) <-chan bool {
	done := make(chan bool, 1)
	go func() {
		defer close(done)
		ok, err := c.ReportStatus(ctx, status, id, result)
		if err != nil {
			c.logger.Error("reporting compile status failed",
				"queue_id", id,
				"status", status.String(),
				"result", result.String(),
				"error", err,
			)
		}
		done <- ok
	}()
	return done
}
