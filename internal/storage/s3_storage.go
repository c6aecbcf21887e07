package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"fluxur-go/internal/config"
	"fluxur-go/internal/imtypes"
)

const s3KeyPrefix = "attachments/"

// S3StorageService 将附件保存到 S3 或兼容 S3 的对象存储（MinIO、R2）。
type S3StorageService struct {
	client    *s3.Client
	bucket    string
	publicURL string // 对象访问地址前缀，不含结尾斜杠
}

// NewS3StorageService 根据配置创建 S3 客户端。
func NewS3StorageService(ctx context.Context, cfg config.S3Config) (imtypes.StorageService, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("S3 配置缺少 BUCKET_NAME")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("加载 AWS 配置失败: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3StorageService{
		client:    client,
		bucket:    cfg.BucketName,
		publicURL: s3PublicURL(cfg),
	}, nil
}

func (s *S3StorageService) UploadFile(ctx context.Context, reader io.Reader, fileSize int64, fileName string, mimeType string) (*imtypes.FileInfo, error) {
	key := s3KeyPrefix + uuid.New().String() + fileExtension(fileName, mimeType)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          reader,
		ContentLength: aws.Int64(fileSize),
		ContentType:   aws.String(mimeType),
	})
	if err != nil {
		return nil, fmt.Errorf("上传到 S3 失败: %w", err)
	}

	return &imtypes.FileInfo{
		URL:      s.publicURL + "/" + key,
		Path:     key,
		Size:     fileSize,
		MimeType: mimeType,
		FileName: fileName,
	}, nil
}

func (s *S3StorageService) DeleteFile(ctx context.Context, fileURL string) error {
	key, ok := s3KeyFromURL(s.publicURL, fileURL)
	if !ok {
		return nil
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("删除 S3 对象失败 '%s': %w", key, err)
	}
	return nil
}

// s3PublicURL 返回对象地址前缀。配置了自定义 endpoint 时使用 path-style 地址。
func s3PublicURL(cfg config.S3Config) string {
	if cfg.Endpoint != "" {
		return strings.TrimSuffix(cfg.Endpoint, "/") + "/" + cfg.BucketName
	}
	region := cfg.Region
	if region == "" || region == "auto" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.BucketName, region)
}

func s3KeyFromURL(publicURL, fileURL string) (string, bool) {
	prefix := publicURL + "/"
	if !strings.HasPrefix(fileURL, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(fileURL, prefix)
	if !strings.HasPrefix(key, s3KeyPrefix) {
		return "", false
	}
	return key, true
}
