package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"fluxur-go/internal/bootstrap"
	"fluxur-go/internal/config"
	"fluxur-go/internal/logging"
	"fluxur-go/internal/models"
	"fluxur-go/internal/services"
	"fluxur-go/internal/visibility"
)

func usage() {
	fmt.Println("使用方法:")
	fmt.Println("  ./admin list-users - 列出所有用户")
	fmt.Println("  ./admin list-conversations - 列出管理面板中的会话")
	fmt.Println("  ./admin show-conversation <conversationID> - 显示会话信息")
	fmt.Println("  ./admin list-participants <conversationID> - 列出会话中未被封禁的参与者")
	fmt.Println("  ./admin toggle-block <login> - 封禁或解封用户")
	fmt.Println("  ./admin set-premium <login> <none|pending|active> - 设置会员状态")
	fmt.Println("  ./admin block-conversation <conversationID> [permanent] - 封禁会话")
	fmt.Println("  ./admin unblock-conversation <conversationID> - 解除会话封禁")
}

func main() {
	// 简单命令行参数解析
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(os.Getenv("FLUXUR_CONFIG"))
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	// 管理工具不转发事件，也不需要 AI 助手
	cfg.Kafka.Enabled = false
	cfg.Assistant.APIKey = ""

	ctx := context.Background()
	stack, err := bootstrap.Open(ctx, cfg, logging.New("warn"))
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	defer stack.Close()

	arg := func(i int, what string) string {
		if len(os.Args) <= i {
			log.Fatalf("需要指定%s", what)
		}
		return os.Args[i]
	}

	switch os.Args[1] {
	case "list-users":
		listUsers(ctx, stack.Identity)
	case "list-conversations":
		listConversations(stack.Moderation, developer(stack.Identity, cfg))
	case "show-conversation":
		showConversation(ctx, stack.Conversations, arg(2, "会话ID"))
	case "list-participants":
		listParticipants(ctx, stack.Conversations, developer(stack.Identity, cfg), arg(2, "会话ID"))
	case "toggle-block":
		toggleBlock(ctx, stack, developer(stack.Identity, cfg), arg(2, "登录名"))
	case "set-premium":
		target := findUser(stack.Identity, arg(2, "登录名"))
		if target == nil {
			log.Fatalf("用户 %s 不存在", os.Args[2])
		}
		u, err := stack.Moderation.SetPremium(ctx, developer(stack.Identity, cfg), target.ID, models.PremiumStatus(arg(3, "会员状态")))
		if err != nil {
			log.Fatalf("设置会员状态失败: %v", err)
		}
		fmt.Printf("用户 %s 的会员状态: %s\n", u.Login, u.PremiumStatus)
	case "block-conversation":
		permanent := len(os.Args) > 3 && os.Args[3] == "permanent"
		conv, err := stack.Moderation.BlockConversation(ctx, developer(stack.Identity, cfg), arg(2, "会话ID"), permanent)
		if err != nil {
			log.Fatalf("封禁会话失败: %v", err)
		}
		fmt.Printf("会话 %s 已封禁 (永久: %v)\n", conv.ID, conv.IsPermanentlyBlocked)
	case "unblock-conversation":
		conv, err := stack.Moderation.UnblockConversation(ctx, developer(stack.Identity, cfg), arg(2, "会话ID"))
		if err != nil {
			log.Fatalf("解除封禁失败: %v", err)
		}
		fmt.Printf("会话 %s 已解除封禁\n", conv.ID)
	default:
		usage()
		os.Exit(1)
	}
}

// developer 返回开发者账号，管理命令以它的身份执行。
func developer(identity services.IdentityService, cfg config.Config) *models.User {
	u := findUser(identity, cfg.Identity.DeveloperLogin)
	if u == nil {
		log.Fatalf("开发者账号 %s 尚未注册", cfg.Identity.DeveloperLogin)
	}
	return u
}

func findUser(identity services.IdentityService, login string) *models.User {
	key := models.NormalizeLogin(login)
	for _, u := range identity.ListUsers(context.Background()) {
		if models.NormalizeLogin(u.Login) == key {
			return u
		}
	}
	return nil
}

func listUsers(ctx context.Context, identity services.IdentityService) {
	users := identity.ListUsers(ctx)
	fmt.Printf("共 %d 个用户:\n", len(users))
	for _, u := range users {
		flags := ""
		if u.IsBlocked {
			flags = " [已封禁]"
		}
		fmt.Printf("  %s  %-20s %-20s %s%s\n", u.ID, u.Login, u.Name, u.Role, flags)
	}
}

func listConversations(moderation services.ModerationService, actor *models.User) {
	convs, err := moderation.ModeratedConversations(actor)
	if err != nil {
		log.Fatalf("获取会话失败: %v", err)
	}
	for _, c := range convs {
		state := ""
		switch {
		case c.IsPermanentlyBlocked:
			state = " [永久封禁]"
		case c.IsBlocked:
			state = " [已封禁]"
		}
		fmt.Printf("  %s  %-8s %s%s\n", c.ID, c.Type, c.Name, state)
	}
}

func showConversation(ctx context.Context, conversations services.ConversationService, id string) {
	c, err := conversations.Get(ctx, id)
	if err != nil {
		log.Fatalf("获取会话失败: %v", err)
	}
	fmt.Printf("会话 ID: %s\n", c.ID)
	fmt.Printf("名称: %s\n", c.Name)
	fmt.Printf("类型: %s\n", c.Type)
	if c.Handle != "" {
		fmt.Printf("Handle: %s\n", c.Handle)
	}
	fmt.Printf("创建者: %s\n", c.CreatorID)
	fmt.Printf("参与者: %s\n", strings.Join(c.Participants, ", "))
	fmt.Printf("消息数: %d\n", len(c.Messages))
	fmt.Printf("封禁: %v (永久: %v)\n", c.IsBlocked, c.IsPermanentlyBlocked)
	for uid, until := range c.BannedUsers {
		fmt.Printf("  成员 %s 封禁至 %s\n", uid, time.UnixMilli(until).Format(time.RFC3339))
	}
}

func listParticipants(ctx context.Context, conversations services.ConversationService, actor *models.User, id string) {
	c, err := conversations.Get(ctx, id)
	if err != nil {
		log.Fatalf("获取会话失败: %v", err)
	}
	if !visibility.CanSee(actor, c, time.Now()) {
		log.Fatalf("无权查看会话 %s", id)
	}
	ids := visibility.Participants(c, time.Now())
	fmt.Printf("会话 %s 共有 %d 个有效参与者:\n", id, len(ids))
	for _, uid := range ids {
		fmt.Printf("  %s\n", uid)
	}
}

func toggleBlock(ctx context.Context, stack *bootstrap.Stack, actor *models.User, login string) {
	target := findUser(stack.Identity, login)
	if target == nil {
		log.Fatalf("用户 %s 不存在", login)
	}
	blocked, err := stack.Moderation.ToggleUserBlock(ctx, actor, target.ID)
	if err != nil {
		log.Fatalf("操作失败: %v", err)
	}
	fmt.Printf("用户 %s 封禁状态: %v\n", target.Login, blocked)
}
