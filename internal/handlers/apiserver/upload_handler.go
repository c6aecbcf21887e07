package apiserver

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"fluxur-go/internal/config"
	"fluxur-go/internal/imtypes"
	"fluxur-go/internal/models"
)

const (
	defaultMaxMemory = 32 << 20 // multipart 表单在内存中保留的上限
)

// UploadHandler 封装了附件上传相关的 HTTP 处理器方法。
type UploadHandler struct {
	storageService imtypes.StorageService
	cfg            config.StorageConfig
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(storageService imtypes.StorageService, cfg config.StorageConfig) *UploadHandler {
	return &UploadHandler{
		storageService: storageService,
		cfg:            cfg,
	}
}

// UploadFileHandler 保存上传的附件，返回可直接放进消息 file 字段的结构。
func (h *UploadHandler) UploadFileHandler(w http.ResponseWriter, r *http.Request) {
	maxUploadSize := h.cfg.MaxFileSizeMB << 20
	if maxUploadSize <= 0 {
		maxUploadSize = defaultMaxMemory
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	if err := r.ParseMultipartForm(defaultMaxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, fmt.Sprintf("上传文件过大，最大允许 %d MB", maxUploadSize>>20), http.StatusRequestEntityTooLarge)
		} else {
			writeJSONError(w, fmt.Sprintf("解析表单失败: %v", err), http.StatusBadRequest)
		}
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeJSONError(w, "请求中缺少 'file' 字段", http.StatusBadRequest)
		} else {
			writeJSONError(w, fmt.Sprintf("获取文件失败: %v", err), http.StatusBadRequest)
		}
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	log.Printf("收到上传文件: 名称=%s, 大小=%d, 类型=%s", header.Filename, header.Size, mimeType)

	if header.Size > maxUploadSize {
		writeJSONError(w, fmt.Sprintf("上传文件过大，最大允许 %d MB", maxUploadSize>>20), http.StatusRequestEntityTooLarge)
		return
	}

	info, err := h.storageService.UploadFile(r.Context(), file, header.Size, header.Filename, mimeType)
	if err != nil {
		log.Printf("存储文件失败: %v", err)
		writeJSONError(w, "存储文件失败", http.StatusInternalServerError)
		return
	}

	writeJSONResponse(w, http.StatusCreated, models.FileAttachment{
		Name: info.FileName,
		Type: info.MimeType,
		Size: info.Size,
		URL:  info.URL,
	})
}
