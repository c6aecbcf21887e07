// Package common 保存跨包共享的错误分类。
package common

import "errors"

var (
	ErrLoginTaken          = errors.New("登录名已被占用")
	ErrMissingField        = errors.New("缺少必填字段")
	ErrInvalidField        = errors.New("字段取值无效")
	ErrInvalidCredentials  = errors.New("无效的登录名或密码")
	ErrAccountBlocked      = errors.New("账号已被封禁")
	ErrConversationBlocked = errors.New("会话已被封禁")
	ErrNotAuthorized       = errors.New("无权执行该操作")
	ErrNotFound            = errors.New("记录不存在")
	ErrHandleTaken         = errors.New("会话 handle 已被占用")
	ErrNotEnoughMessages   = errors.New("消息数量不足")
	ErrExternalStore       = errors.New("外部存储错误")
	ErrAICollaborator      = errors.New("AI 助手请求失败")
)
