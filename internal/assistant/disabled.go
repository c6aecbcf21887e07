package assistant

import (
	"context"
	"fmt"

	"fluxur-go/internal/common"
)

// Disabled 在未配置 API key 时使用，所有请求都失败。
type Disabled struct{}

func (Disabled) Continue(context.Context, []Turn, string) (string, error) {
	return "", errDisabled
}

func (Disabled) Summarize(context.Context, string) (string, error) {
	return "", errDisabled
}

func (Disabled) SmartReply(context.Context, []Turn) (string, error) {
	return "", errDisabled
}

var errDisabled = fmt.Errorf("%w: 未配置 AI 助手", common.ErrAICollaborator)
