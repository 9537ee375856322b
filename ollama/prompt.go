package ollama

import (
	"fmt"
	"strings"
)

// ContextLine is one rendered chat line fed to the generator.
type ContextLine struct {
	DisplayName string
	Content     string
}

// renderContext produces the shared recent-context block, newest last.
func renderContext(lines []ContextLine) string {
	var b strings.Builder
	for _, line := range lines {
		fmt.Fprintf(&b, "[%s]: %s\n", line.DisplayName, line.Content)
	}
	return b.String()
}

// SpontaneousPrompt asks for one unprompted utterance matching the ambient
// tone without addressing anyone in particular.
func SpontaneousPrompt(lines []ContextLine, charLimit int) string {
	var b strings.Builder
	b.WriteString("You are a casual participant in a live chat room. ")
	b.WriteString("Below are the most recent messages, oldest first.\n\n")
	b.WriteString(renderContext(lines))
	fmt.Fprintf(&b, "\nWrite exactly one short chat message that fits the current conversation's tone and topic. ")
	b.WriteString("Do not address any specific user, do not mention being a bot, do not use formatting. ")
	fmt.Fprintf(&b, "Keep it under %d characters. Reply with the message only.", charLimit)
	return b.String()
}

// ResponsePrompt asks for a direct reply to the user who addressed the bot.
func ResponsePrompt(lines []ContextLine, userName, userText string, charLimit int) string {
	var b strings.Builder
	b.WriteString("You are a casual participant in a live chat room. ")
	b.WriteString("Below are the most recent messages, oldest first.\n\n")
	b.WriteString(renderContext(lines))
	fmt.Fprintf(&b, "\nThe user %q just addressed you directly with: %q\n", userName, userText)
	b.WriteString("Write exactly one short chat message replying to them. ")
	b.WriteString("Match the room's tone, do not mention being a bot, do not use formatting. ")
	fmt.Fprintf(&b, "Keep it under %d characters. Reply with the message only.", charLimit)
	return b.String()
}
