package ai

import "strings"

// formattingRules keep answers renderable by the chat UI, which re-flows
// headings and lists that are not separated by blank lines.
var formattingRules = []string{
	"使用 Markdown 格式回答，标题与列表前保留空行",
	"代码使用带语言标注的代码块",
	"回答简洁，先给结论再展开",
	"与用户使用相同的语言",
}

// BuildSystemPrompt 生成问答后端的系统提示词
func BuildSystemPrompt() string {
	var builder strings.Builder
	builder.WriteString("你是一个乐于助人的助手。\n\n回答要求：\n")
	for _, rule := range formattingRules {
		builder.WriteString("- ")
		builder.WriteString(rule)
		builder.WriteString("\n")
	}
	return strings.TrimRight(builder.String(), "\n")
}
