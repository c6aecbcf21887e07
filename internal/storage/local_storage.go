package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"fluxur-go/internal/config"
	"fluxur-go/internal/imtypes"

	"github.com/google/uuid"
)

// LocalStorageService 将附件保存到本地目录，并通过 baseURL 对外提供。
type LocalStorageService struct {
	basePath string // 例如 "./uploads"
	baseURL  string // 例如 "/uploads"
}

// NewLocalStorageService 创建 LocalStorageService，必要时创建存储目录。
func NewLocalStorageService(cfg config.StorageConfig, baseURL string) (imtypes.StorageService, error) {
	if err := os.MkdirAll(cfg.LocalPath, 0755); err != nil {
		return nil, fmt.Errorf("创建本地存储目录失败 '%s': %w", cfg.LocalPath, err)
	}
	return &LocalStorageService{
		basePath: cfg.LocalPath,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// UploadFile 将文件写入本地目录，文件名为随机 UUID 加原扩展名。
func (s *LocalStorageService) UploadFile(ctx context.Context, reader io.Reader, fileSize int64, fileName string, mimeType string) (*imtypes.FileInfo, error) {
	uniqueFileName := uuid.New().String() + fileExtension(fileName, mimeType)
	dstPath := filepath.Join(s.basePath, uniqueFileName)

	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("创建目标文件失败 '%s': %w", dstPath, err)
	}
	defer dst.Close()

	written, err := io.Copy(dst, reader)
	if err != nil {
		os.Remove(dstPath)
		return nil, fmt.Errorf("写入文件失败: %w", err)
	}
	if written != fileSize {
		os.Remove(dstPath)
		return nil, fmt.Errorf("文件大小不匹配: 预期 %d, 实际写入 %d", fileSize, written)
	}

	return &imtypes.FileInfo{
		URL:      s.baseURL + "/" + url.PathEscape(uniqueFileName),
		Path:     dstPath,
		Size:     fileSize,
		MimeType: mimeType,
		FileName: fileName,
	}, nil
}

// DeleteFile 删除 baseURL 下的文件；其他地址和已不存在的文件被忽略。
func (s *LocalStorageService) DeleteFile(ctx context.Context, fileURL string) error {
	prefix := s.baseURL + "/"
	if !strings.HasPrefix(fileURL, prefix) {
		return nil
	}
	name, err := url.PathUnescape(strings.TrimPrefix(fileURL, prefix))
	if err != nil || name != path.Base(name) {
		return nil
	}
	if err := os.Remove(filepath.Join(s.basePath, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("删除文件失败 '%s': %w", name, err)
	}
	return nil
}

// fileExtension 优先使用原文件名的扩展名，否则从 MIME 类型推断。
func fileExtension(fileName, mimeType string) string {
	if ext := filepath.Ext(fileName); ext != "" {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}
