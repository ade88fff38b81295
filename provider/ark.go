package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"

	"genpipe/models"
)

const (
	arkVideoModel = "doubao-seedance-1-0-pro-250528"
	arkImageModel = "doubao-seedream-4-0-250828"
)

// ArkAdapter 火山方舟接入。
// 视频类操作走异步的内容生成任务（提交后轮询），文字生图走同步接口。
type ArkAdapter struct {
	client *arkruntime.Client
}

func NewArkAdapter(apiKey, baseURL string) *ArkAdapter {
	return &ArkAdapter{
		client: arkruntime.NewClientWithApiKey(apiKey, arkruntime.WithBaseUrl(baseURL)),
	}
}

func (a *ArkAdapter) ID() string { return "ark" }

func (a *ArkAdapter) Submit(ctx context.Context, g *models.Generation) (*SubmissionResult, error) {
	params, err := parseParams(g)
	if err != nil {
		return nil, err
	}
	switch g.OperationType {
	case models.OpTextToVideo, models.OpImageToVideo:
		return a.submitVideoTask(ctx, g.OperationType, params)
	case models.OpTextToImage:
		return a.generateImages(ctx, params)
	default:
		return nil, fmt.Errorf("ark: unsupported operation type %q", g.OperationType)
	}
}

func (a *ArkAdapter) submitVideoTask(ctx context.Context, opType string, params map[string]interface{}) (*SubmissionResult, error) {
	prompt := paramString(params, "prompt")
	resolution := paramString(params, "resolution")
	if resolution == "" {
		resolution = "720p"
	}
	modelEp := paramString(params, "model")
	if modelEp == "" {
		modelEp = arkVideoModel
	}

	content := []*model.CreateContentGenerationContentItem{
		{
			Type: model.ContentGenerationContentItemTypeText,
			Text: volcengine.String(prompt + " --resolution " + resolution),
		},
	}
	if opType == models.OpImageToVideo {
		imageURL := paramString(params, "image_url")
		if imageURL == "" {
			return nil, fmt.Errorf("ark: image_to_video requires image_url param")
		}
		content = append(content, &model.CreateContentGenerationContentItem{
			Type:     model.ContentGenerationContentItemTypeImage,
			ImageURL: &model.ImageURL{URL: imageURL},
		})
	}

	resp, err := a.client.CreateContentGenerationTask(ctx, model.CreateContentGenerationTaskRequest{
		Model:   modelEp,
		Content: content,
	})
	if err != nil {
		return nil, err
	}
	return &SubmissionResult{ProviderJobID: resp.ID}, nil
}

// generateImages 同步接口：提交即返回成品
func (a *ArkAdapter) generateImages(ctx context.Context, params map[string]interface{}) (*SubmissionResult, error) {
	prompt := paramString(params, "prompt")
	modelEp := paramString(params, "model")
	if modelEp == "" {
		modelEp = arkImageModel
	}

	resp, err := a.client.GenerateImages(ctx, model.GenerateImagesRequest{
		Model:          modelEp,
		Prompt:         prompt,
		Size:           volcengine.String("2K"),
		ResponseFormat: volcengine.String(model.GenerateImagesResponseFormatURL),
		Watermark:      volcengine.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("ark: %s - %s", resp.Error.Code, resp.Error.Message)
	}

	artifacts := make([]*models.Artifact, 0, len(resp.Data))
	for _, image := range resp.Data {
		if image.Url == nil {
			continue
		}
		artifacts = append(artifacts, &models.Artifact{
			MediaType: "image/jpeg",
			RemoteURL: *image.Url,
		})
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("ark: image generation returned no images")
	}
	return &SubmissionResult{Completed: true, Artifacts: artifacts}, nil
}

func (a *ArkAdapter) CheckStatus(ctx context.Context, sub *models.ProviderSubmission) (*StatusResult, error) {
	req := model.GetContentGenerationTaskRequest{}
	req.ID = sub.ProviderJobID

	resp, err := a.client.GetContentGenerationTask(ctx, req)
	if err != nil {
		return nil, err
	}

	return mapVideoTaskStatus(sub.ProviderJobID, resp.Status, resp.Content.VideoURL)
}

// mapVideoTaskStatus 把 provider 的任务状态归入统一三态。
// succeeded 但缺视频地址按错误处理，交给下一轮重查，绝不落一条没有 URL 的产物。
func mapVideoTaskStatus(jobID, status, videoURL string) (*StatusResult, error) {
	switch strings.ToLower(status) {
	case "succeeded":
		if videoURL == "" {
			return nil, fmt.Errorf("ark: task %s succeeded without video url", jobID)
		}
		return &StatusResult{
			State: StateCompleted,
			Artifacts: []*models.Artifact{{
				MediaType: "video/mp4",
				RemoteURL: videoURL,
			}},
		}, nil
	case "failed", "cancelled", "expired":
		return &StatusResult{
			State:  StateFailed,
			Reason: fmt.Sprintf("provider task %s reported status %s", jobID, status),
		}, nil
	default:
		// queued / running 等中间态
		return &StatusResult{State: StateRunning, Raw: status}, nil
	}
}

func (a *ArkAdapter) MaterializeAssets(ctx context.Context, sub *models.ProviderSubmission) ([]*models.Artifact, error) {
	st, err := a.CheckStatus(ctx, sub)
	if err != nil {
		return nil, err
	}
	if st.State != StateCompleted {
		return nil, fmt.Errorf("ark: task %s not completed (%s)", sub.ProviderJobID, st.State)
	}
	return st.Artifacts, nil
}
