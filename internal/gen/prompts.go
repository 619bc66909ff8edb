package gen

import (
	"fmt"
	"strings"

	"github.com/jeongdon-heo/story-together/internal/domain"
)

func continuationSystem(grade int, persona string) string {
	return fmt.Sprintf("You are a %s co-writing a story with a grade %d class. Match their reading level, keep the content classroom-safe, and never end the story unless asked to.", persona, grade)
}

func choicesSystem(grade int) string {
	return fmt.Sprintf("You propose fun story directions for a grade %d class to vote on. Keep every option classroom-safe.", grade)
}

func transcriptPrompt(transcript []domain.StoryPart, instruction string) string {
	var b strings.Builder
	b.WriteString("The story so far:\n\n")
	if len(transcript) == 0 {
		b.WriteString("(nothing yet; the story is just beginning)\n")
	}
	for _, part := range transcript {
		label := "Narrator"
		if part.AuthorType == domain.AuthorStudent {
			label = "Student"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, part.Text)
	}
	b.WriteString("\n")
	b.WriteString(instruction)
	return b.String()
}
