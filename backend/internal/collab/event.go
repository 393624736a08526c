package collab

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/thesunnysinha/collabflow/backend/internal/store"
)

const Source = "collab-editor"

// Fields 可以同步的文档字段。nil 表示这次没带，空字符串是有效值。
type Fields struct {
	Title    *string `json:"title,omitempty"`
	Content  *string `json:"content,omitempty"`
	Language *string `json:"language,omitempty"`
	Theme    *string `json:"theme,omitempty"`
}

func (f Fields) Empty() bool {
	return f.Title == nil && f.Content == nil && f.Language == nil && f.Theme == nil
}

// Merge 逐字段合并，next 里带了的字段覆盖 f
func (f Fields) Merge(next Fields) Fields {
	if next.Title != nil {
		f.Title = next.Title
	}
	if next.Content != nil {
		f.Content = next.Content
	}
	if next.Language != nil {
		f.Language = next.Language
	}
	if next.Theme != nil {
		f.Theme = next.Theme
	}
	return f
}

func (f Fields) Patch() store.Patch {
	return store.Patch{Title: f.Title, Content: f.Content, Language: f.Language, Theme: f.Theme}
}

// UpdateEvent 写入 broker 的消息体，key 为 documentId
type UpdateEvent struct {
	DocumentID string `json:"documentId"`
	Fields
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// DecodeEvent 解析失败、缺 documentId 或不带任何字段都算格式错误
func DecodeEvent(b []byte) (UpdateEvent, error) {
	var evt UpdateEvent
	if err := json.Unmarshal(b, &evt); err != nil {
		return UpdateEvent{}, &MalformedMessageError{Reason: "invalid json", Err: err}
	}
	if strings.TrimSpace(evt.DocumentID) == "" {
		return UpdateEvent{}, &MalformedMessageError{Reason: "missing documentId"}
	}
	if evt.Empty() {
		return UpdateEvent{}, &MalformedMessageError{Reason: "no fields"}
	}
	return evt, nil
}
