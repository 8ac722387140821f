package service

import "github.com/siddharth-ghatti/safe-coder/internal/domain/entity"

// sanitizeMessages 修复违反配对不变式的历史:
// assistant 消息中的每个 ToolUse 必须在下一条 user 消息中由相同 id 的
// ToolResult 应答。压缩或崩溃恢复可能产生孤立块, 发送前在此补齐/剔除。
func sanitizeMessages(messages []entity.Message) []entity.Message {
	out := make([]entity.Message, 0, len(messages))

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		out = append(out, msg)

		if msg.Role != entity.RoleAssistant {
			continue
		}
		uses := msg.ToolUses()
		if len(uses) == 0 {
			continue
		}

		// 收集下一条 user 消息中已有的结果 id
		answered := map[string]bool{}
		var next *entity.Message
		if i+1 < len(messages) && messages[i+1].Role == entity.RoleUser {
			next = &messages[i+1]
			for _, r := range next.ToolResults() {
				answered[r.ToolUseID] = true
			}
		}

		var missing []entity.ContentBlock
		for _, use := range uses {
			if !answered[use.ID] {
				missing = append(missing, entity.ToolResultBlock(use.ID, "[missing tool result]"))
			}
		}
		if len(missing) == 0 {
			continue
		}

		if next != nil {
			// 把缺失的结果并入下一条 user 消息
			patched := *next
			patched.Content = append(append([]entity.ContentBlock{}, patched.Content...), missing...)
			out = append(out, patched)
			i++
		} else {
			// 历史末尾的孤立调用: 合成应答消息
			out = append(out, entity.Message{Role: entity.RoleUser, Content: missing})
		}
	}

	// 剔除指向不存在 ToolUse 的 ToolResult
	useIDs := map[string]bool{}
	for _, msg := range out {
		for _, u := range msg.ToolUses() {
			useIDs[u.ID] = true
		}
	}
	cleaned := make([]entity.Message, 0, len(out))
	for _, msg := range out {
		if msg.Role != entity.RoleUser {
			cleaned = append(cleaned, msg)
			continue
		}
		kept := make([]entity.ContentBlock, 0, len(msg.Content))
		for _, b := range msg.Content {
			if b.Type == entity.BlockToolResult && !useIDs[b.ToolUseID] {
				continue
			}
			kept = append(kept, b)
		}
		if len(kept) == 0 {
			continue
		}
		msg.Content = kept
		cleaned = append(cleaned, msg)
	}
	return cleaned
}
