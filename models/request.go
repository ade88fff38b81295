package models

// CreateGenerationRequest 前端提交的生成请求
type CreateGenerationRequest struct {
	UserID        uint64                 `json:"user_id" binding:"required"`
	WorkspaceID   uint64                 `json:"workspace_id"`
	OperationType string                 `json:"operation_type" binding:"required"`
	ProviderID    string                 `json:"provider_id" binding:"required"`
	Params        map[string]interface{} `json:"params" binding:"required"`
}

// GenerationResponse 返回给前端的任务视图
type GenerationResponse struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	OperationType string      `json:"operation_type"`
	ProviderID    string      `json:"provider_id"`
	RetryCount    int         `json:"retry_count"`
	ErrorKind     string      `json:"error_kind,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	Artifacts     []*Artifact `json:"artifacts,omitempty"`
}

// StatusEvent 推送到 SSE 订阅者的状态变更消息
type StatusEvent struct {
	GenerationID  string `json:"generation_id"`
	UserID        uint64 `json:"user_id"`
	OperationType string `json:"operation_type"`
	ProviderID    string `json:"provider_id"`
	Status        string `json:"status"`
	ErrorKind     string `json:"error_kind,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	UpdatedAt     int64  `json:"updated_at"`
}
