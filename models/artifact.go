package models

import "time"

// Artifact 成功生成后的产物（视频/图片/文本），创建后不可变
type Artifact struct {
	ID           string    `db:"id" json:"id"`
	GenerationID string    `db:"generation_id" json:"generation_id"`
	MediaType    string    `db:"media_type" json:"media_type"`
	RemoteURL    string    `db:"remote_url" json:"remote_url"`
	ThumbnailURL *string   `db:"thumbnail_url" json:"thumbnail_url,omitempty"` // 为空时由展示层回退到 remote_url
	Width        int       `db:"width" json:"width,omitempty"`
	Height       int       `db:"height" json:"height,omitempty"`
	DurationMS   int64     `db:"duration_ms" json:"duration_ms,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`

	// Text 同步文本类产物的内容，仅在持久化前传递，落盘后由 RemoteURL 指向文件
	Text string `db:"-" json:"-"`
}
