package models

// CompileStatusRequest is the body of a compile status transition.
type CompileStatusRequest struct {
	CompStatus JobStatus     `json:"comp_status"`
	ID         int64         `json:"id"`
	CompResult CompileResult `json:"comp_result"`
}

// CompileQueue is the ledger's summary of a compile job, returned after a
// status transition.
type CompileQueue struct {
	ID          int64     `json:"id"`
	CreatedTime int64     `json:"created_time"`
	UpdatedTime int64     `json:"updated_time"`
	UserID      int64     `json:"user_id"`
	CompStatus  JobStatus `json:"comp_status"`
	ProjectID   string    `json:"project_id"`
}

// ProjectDownloadRequest asks the project service for a source archive.
type ProjectDownloadRequest struct {
	ProjectID string `json:"project_id"`
	Version   string `json:"version"`
}

// APIResponse is the generic envelope returned by the ledger service.
type APIResponse[T any] struct {
	Result     T      `json:"result"`
	StatusCode string `json:"statusCode"`
	ResultCode string `json:"resultCode"`
	Msg        string `json:"msg"`
}

// Successful reports whether the envelope signals success.
func (r *APIResponse[T]) Successful() bool {
	if r.ResultCode != "" {
		return r.ResultCode == "200"
	}
	return r.StatusCode == "200"
}
