package provider

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"genpipe/models"
)

const geminiModel = "gemini-2.5-flash"

// GeminiAdapter 视频内容理解接入，同步完成模型：
// Submit 直接返回成品，永远不会产生需要轮询的提交记录。
type GeminiAdapter struct{}

func NewGeminiAdapter() *GeminiAdapter {
	return &GeminiAdapter{}
}

func (a *GeminiAdapter) ID() string { return "gemini" }

func (a *GeminiAdapter) Submit(ctx context.Context, g *models.Generation) (*SubmissionResult, error) {
	if g.OperationType != models.OpVideoToText {
		return nil, fmt.Errorf("gemini: unsupported operation type %q", g.OperationType)
	}
	params, err := parseParams(g)
	if err != nil {
		return nil, err
	}
	videoURL := paramString(params, "video_url")
	if videoURL == "" {
		return nil, fmt.Errorf("gemini: video_to_text requires video_url param")
	}
	prompt := paramString(params, "prompt")
	if prompt == "" {
		prompt = "Please summarize the video in 3 sentences."
	}

	client, err := genai.NewClient(ctx, nil)
	if err != nil {
		return nil, err
	}

	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromURI(videoURL, "video/mp4"),
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	result, err := client.Models.GenerateContent(ctx, geminiModel, contents, nil)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("genai: empty generate response")
	}

	return &SubmissionResult{
		Completed: true,
		Artifacts: []*models.Artifact{{
			MediaType: "text/plain",
			Text:      result.Text(),
		}},
	}, nil
}

func (a *GeminiAdapter) CheckStatus(ctx context.Context, sub *models.ProviderSubmission) (*StatusResult, error) {
	return nil, errors.New("gemini: synchronous provider has no pollable submissions")
}

func (a *GeminiAdapter) MaterializeAssets(ctx context.Context, sub *models.ProviderSubmission) ([]*models.Artifact, error) {
	return nil, errors.New("gemini: synchronous provider has no pollable submissions")
}
