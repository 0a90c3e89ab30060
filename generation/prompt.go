package generation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/poiesic/medrag/core"
)

// InsufficientInformation prefixes answers produced without usable
// knowledge: no confident corpus match and no web snippets.
const InsufficientInformation = "【信息不足】"

const (
	DefaultPromptBudget = 6000

	labelKnowledge = "【知识库】"
	labelWeb       = "【联网搜索】"
)

const systemPrompt = `你是一个专业的医疗问诊助手，具备丰富的医学知识。你的任务是：

1. **理解病情**：仔细分析用户的症状描述
2. **信息补全**：如果信息不完整，主动询问关键信息（症状持续时间、严重程度、伴随症状等）
3. **知识检索**：基于提供的医疗知识，给出专业建议
4. **结构化建议**：提供清晰的分步建议

**回答要求**：
- 专业、准确、易懂
- 引用知识来源时标注【知识库】或【联网搜索】
- 给出3-5条结构化建议，每条单独一行并以序号开头
- 必要时提醒用户就医

**重要提示**：
- 你不能替代专业医生诊断
- 紧急情况请立即就医
- 建议仅供参考`

const urgentInstruction = `**紧急提醒**：用户描述的情况可能危及生命。请在回答的第一句明确建议立即拨打120或前往最近的急诊科，然后再给出等待救援期间的注意事项。`

const insufficientInstruction = `**知识不足**：参考知识中没有与问题直接相关的可靠内容。请明确告知用户现有信息不足以给出具体建议，只提供通用的安全建议，并建议尽快咨询专业医生。不要编造具体的诊断或用药剂量。`

// PromptOptions tune prompt construction.
type PromptOptions struct {
	// Budget is the rune budget for history, question and knowledge.
	Budget       int
	Emergency    bool
	Insufficient bool
}

// Prompt is a ready-to-send conversation and the contexts it includes.
type Prompt struct {
	Messages []core.Message
	Used     []core.Context
	// Dropped counts contexts left out to fit the budget.
	Dropped int
}

// BuildPrompt assembles the generation prompt. Contexts must be ordered
// best first; the lowest-ranked ones are dropped first when the budget is
// exceeded, and the last remaining one is shortened. The question is never
// truncated.
func BuildPrompt(question string, history []core.Message, contexts []core.Context, opts PromptOptions) Prompt {
	budget := opts.Budget
	if budget <= 0 {
		budget = DefaultPromptBudget
	}

	historyBlock := renderHistory(history)
	fixed := utf8.RuneCountInString(question) + utf8.RuneCountInString(historyBlock)
	remaining := budget - fixed

	blocks := make([]string, 0, len(contexts))
	used := make([]core.Context, 0, len(contexts))
	for _, c := range contexts {
		block := renderContext(len(used)+1, c)
		size := utf8.RuneCountInString(block)
		if size <= remaining {
			blocks = append(blocks, block)
			used = append(used, c)
			remaining -= size
			continue
		}
		// the best context is shortened rather than dropped
		if len(used) == 0 && remaining > 0 {
			overhead := size - utf8.RuneCountInString(c.Content)
			if keep := remaining - overhead; keep > 0 {
				c.Content = core.Truncate(c.Content, keep)
				blocks = append(blocks, renderContext(1, c))
				used = append(used, c)
			}
		}
		break
	}

	var sys strings.Builder
	sys.WriteString(systemPrompt)
	if opts.Emergency {
		sys.WriteString("\n\n")
		sys.WriteString(urgentInstruction)
	}
	if opts.Insufficient || len(used) == 0 {
		sys.WriteString("\n\n")
		sys.WriteString(insufficientInstruction)
	}

	var user strings.Builder
	user.WriteString(historyBlock)
	fmt.Fprintf(&user, "用户问题：%s\n\n参考知识：\n", question)
	if len(blocks) == 0 {
		user.WriteString("（无）\n")
	}
	for _, b := range blocks {
		user.WriteString(b)
	}
	user.WriteString("\n请基于以上知识给出专业的问诊建议。")

	return Prompt{
		Messages: []core.Message{
			{Role: core.RoleSystem, Content: sys.String()},
			{Role: core.RoleUser, Content: user.String()},
		},
		Used:    used,
		Dropped: len(contexts) - len(used),
	}
}

func renderContext(n int, c core.Context) string {
	if c.Source == core.ChannelWeb {
		var b strings.Builder
		fmt.Fprintf(&b, "\n%s 来源%d：\n", labelWeb, n)
		if c.Title != "" {
			b.WriteString(c.Title)
			b.WriteByte('\n')
		}
		b.WriteString(c.Content)
		b.WriteByte('\n')
		if c.URL != "" {
			fmt.Fprintf(&b, "链接：%s\n", c.URL)
		}
		return b.String()
	}
	return fmt.Sprintf("\n%s 来源%d：\n%s\n", labelKnowledge, n, c.Content)
}

func renderHistory(history []core.Message) string {
	var lines []string
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case core.RoleUser:
			lines = append(lines, "用户："+content)
		case core.RoleAssistant:
			lines = append(lines, "助手："+content)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "历史对话：\n" + strings.Join(lines, "\n") + "\n\n"
}
