package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"genpipe/models"
)

// 轮询状态三态
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// SubmissionResult 一次提交的结果。
// Completed 为 true 表示 provider 是同步完成模型，产物直接随提交返回。
type SubmissionResult struct {
	ProviderJobID string
	Completed     bool
	Artifacts     []*models.Artifact
	Raw           string
}

// StatusResult 一次状态查询的结果
type StatusResult struct {
	State     string
	Artifacts []*models.Artifact // State == completed 时有效
	Reason    string             // State == failed 时的失败原因
	Raw       string
}

// Adapter 每个 provider 集成都要实现的统一契约。
// 长耗时任务通过 CheckStatus 轮询推进，Submit 只做一次提交往返，
// 绝不在 worker 线程里同步等待 provider 完成。
type Adapter interface {
	ID() string
	Submit(ctx context.Context, g *models.Generation) (*SubmissionResult, error)
	CheckStatus(ctx context.Context, sub *models.ProviderSubmission) (*StatusResult, error)
	MaterializeAssets(ctx context.Context, sub *models.ProviderSubmission) ([]*models.Artifact, error)
}

// Registry 固定的 provider 注册表，进程启动时构建一次，之后只读。
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.ID()] = a
	}
	return &Registry{adapters: m}
}

// Get 按 provider_id 查找 adapter
func (r *Registry) Get(providerID string) (Adapter, error) {
	a, ok := r.adapters[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownProvider, providerID)
	}
	return a, nil
}

// Has 判断 provider 是否已注册
func (r *Registry) Has(providerID string) bool {
	_, ok := r.adapters[providerID]
	return ok
}

// parseParams 解出 generation 上规范化后的参数
func parseParams(g *models.Generation) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if g.Params == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(g.Params), &out); err != nil {
		return nil, fmt.Errorf("bad generation params: %w", err)
	}
	return out, nil
}

func paramString(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
