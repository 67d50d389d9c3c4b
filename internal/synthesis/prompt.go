// Package synthesis builds the prompt handed to an answer-synthesis model.
package synthesis

import (
	"fmt"
	"strings"

	"himcore/internal/domain"
)

// SystemPrompt instructs the model to answer as a coding specialist and to
// stay within the supplied context.
const SystemPrompt = `당신은 K-DRG v4.7 및 KCD-9 코딩 전문가입니다.
아래 참고 자료만을 근거로 질문에 답하십시오.
- 참고 자료에 없는 내용은 추측하지 말고 모른다고 답하십시오.
- 관련 코드와 근거가 된 출처 번호를 함께 제시하십시오.
- 답변은 한국어로 간결하게 작성하십시오.`

// Context renders retrieved chunks as numbered, source-tagged sections.
func Context(chunks []domain.ContextChunk) string {
	parts := make([]string, 0, len(chunks))
	for i, ch := range chunks {
		label := ch.Label
		if label == "" {
			label = string(ch.DocType)
		}
		parts = append(parts, fmt.Sprintf("[출처 %d: %s]\n%s", i+1, label, strings.TrimSpace(ch.Text)))
	}
	return strings.Join(parts, "\n\n")
}

// UserPrompt combines the question with the rendered context.
func UserPrompt(question string, chunks []domain.ContextChunk) string {
	var b strings.Builder
	b.WriteString("참고 자료:\n")
	b.WriteString(Context(chunks))
	b.WriteString("\n\n질문: ")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\n답변:")
	return b.String()
}
