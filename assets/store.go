package assets

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"genpipe/dao/mysql"
	"genpipe/models"
	"genpipe/util"
)

// Store 产物落库的协作方。流水线只调用 PersistArtifact，
// 存储位置与缩略图回退策略都归这里管。
type Store struct {
	artifacts   *mysql.ArtifactStore
	publicDir   string
	mirrorMedia bool
	log         *zap.Logger
}

func NewStore(artifacts *mysql.ArtifactStore, publicDir string, mirrorMedia bool, log *zap.Logger) *Store {
	return &Store{artifacts: artifacts, publicDir: publicDir, mirrorMedia: mirrorMedia, log: log}
}

// PersistArtifact 将 adapter 产出的产物归档：
// 文本类产物先落盘成文件再记 URL，媒体类记录远端 URL，
// 开启镜像时再尽力下载一份到本地（provider 的 URL 通常有有效期）。
// 缩略图缺省留空，由展示层回退到 remote_url。
func (s *Store) PersistArtifact(ctx context.Context, generationID string, a *models.Artifact) (*models.Artifact, error) {
	a.ID = uuid.New().String()
	a.GenerationID = generationID
	a.CreatedAt = time.Now()

	if a.Text != "" && a.RemoteURL == "" {
		path := filepath.Join(s.publicDir, "text", a.ID+".txt")
		if err := util.WriteTextFile(path, a.Text); err != nil {
			return nil, fmt.Errorf("persist text artifact: %w", err)
		}
		a.RemoteURL = path
	} else if s.mirrorMedia && a.RemoteURL != "" {
		path := filepath.Join(s.publicDir, "media", a.ID+mediaExt(a.MediaType))
		if err := util.DownloadFile(a.RemoteURL, path); err != nil {
			// 镜像失败不阻塞归档，远端 URL 仍然可用
			s.log.Warn("failed to mirror artifact",
				zap.String("artifact_id", a.ID), zap.Error(err))
		}
	}

	if err := s.artifacts.Insert(ctx, a); err != nil {
		return nil, err
	}
	s.log.Info("artifact persisted",
		zap.String("generation_id", generationID),
		zap.String("artifact_id", a.ID),
		zap.String("media_type", a.MediaType))
	return a, nil
}

// ListByGeneration 查询某个 generation 的全部产物
func (s *Store) ListByGeneration(ctx context.Context, generationID string) ([]*models.Artifact, error) {
	return s.artifacts.ListByGeneration(ctx, generationID)
}

func mediaExt(mediaType string) string {
	switch mediaType {
	case "video/mp4":
		return ".mp4"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	default:
		return ""
	}
}
