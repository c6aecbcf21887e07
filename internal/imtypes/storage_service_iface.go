// internal/imtypes/storage_service_iface.go
package imtypes

import (
	"context"
	"io"
)

// StorageService 定义了附件存储的接口，本地磁盘与 S3 各有一个实现。
// 接口放在 imtypes 中以避免 storage 与 services 之间的循环依赖。
type StorageService interface {
	// UploadFile 保存 reader 中的内容并返回可访问的地址。
	UploadFile(ctx context.Context, reader io.Reader, fileSize int64, fileName string, mimeType string) (*FileInfo, error)

	// DeleteFile 删除 UploadFile 返回的 URL 指向的文件。
	// 不属于本存储的 URL（例如 data URL）被忽略。
	DeleteFile(ctx context.Context, fileURL string) error
}
