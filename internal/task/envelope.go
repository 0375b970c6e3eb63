// Package task はジョブエンベロープ、ペイロード、結果レコードなどのドメイン型を定義します。
package task

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Type はタスク種別です。ハンドラーのキュー名としても使います。
type Type string

const (
	TypeRemoveBackground Type = "remove-background"
	TypeResize           Type = "resize"
	TypeCompress         Type = "compress"
	TypeConvertFormat    Type = "convert-format"
	TypeAssemblePDF      Type = "assemble-pdf"
)

var registered = []Type{
	TypeRemoveBackground,
	TypeResize,
	TypeCompress,
	TypeConvertFormat,
	TypeAssemblePDF,
}

// Registered は登録済みのタスク種別を返します。
func Registered() []Type {
	return append([]Type(nil), registered...)
}

// Valid は登録済みの種別かどうかを返します。
func (t Type) Valid() bool {
	for _, r := range registered {
		if r == t {
			return true
		}
	}
	return false
}

// Queue はこの種別のジョブを処理するキュー名です。
func (t Type) Queue() string {
	return string(t)
}

// Envelope はキューに投入される最上位のメッセージです。
type Envelope struct {
	TaskType Type            `json:"task_type"`
	TaskID   string          `json:"task_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope は JSON をデコードします。構文エラーは ValidationError になります。
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, Invalid("envelope", "malformed JSON: %v", err)
	}
	return &env, nil
}

// Validate は必須項目と種別を検証します。
func (e *Envelope) Validate() error {
	if e == nil {
		return Invalid("envelope", "envelope is empty")
	}
	if strings.TrimSpace(e.TaskID) == "" {
		return Invalid("task_id", "task_id is required")
	}
	if e.TaskType == "" {
		return Invalid("task_type", "task_type is required")
	}
	if !e.TaskType.Valid() {
		return Invalid("task_type", "unregistered task type %q", e.TaskType)
	}
	return nil
}

// Job はハンドラーキューへ渡される {task_id, payload} の組です。
type Job struct {
	TaskID  string          `json:"task_id"`
	Payload json.RawMessage `json:"payload"`
}

// DecodePayload はペイロードを v にデコードします。
// JSON 文字列として二重にエンコードされたペイロードも受け付けます。
func (j Job) DecodePayload(v any) error {
	raw := bytes.TrimSpace(j.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return Invalid("payload", "malformed payload: %v", err)
		}
		raw = []byte(inner)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return Invalid("payload", "malformed payload: %v", err)
	}
	return nil
}
