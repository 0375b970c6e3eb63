package task

// Status は結果レコードの状態です。
type Status string

const (
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// Result はコールバックAPIへ送る結果レコードです。
// Output と Error はどちらか一方だけが設定されます。
type Result struct {
	TaskID string  `json:"task_id"`
	Status Status  `json:"status"`
	Output *Output `json:"result"`
	Error  *string `json:"error"`
}

// Output は成功時の成果物情報です。
type Output struct {
	OutputURL string         `json:"output_url"`
	Metadata  map[string]any `json:"metadata"`
}

// Done は成功レコードを生成します。
func Done(taskID, outputURL string, metadata map[string]any) *Result {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Result{
		TaskID: taskID,
		Status: StatusDone,
		Output: &Output{
			OutputURL: outputURL,
			Metadata:  metadata,
		},
	}
}

// Failed は失敗レコードを生成します。
func Failed(taskID string, err error) *Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Result{
		TaskID: taskID,
		Status: StatusFailed,
		Error:  &msg,
	}
}
