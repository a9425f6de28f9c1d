package prompts

import (
	"fmt"
	"strings"
)

// basePreamble is the default persona used when no prompt file is
// configured.
const basePreamble = `You are Nexus, an autonomous software engineer running locally on the user's computer.
You work inside a workspace directory: every file you read or write and every shell command you run happens there.

## Rules
- Be precise. Think step by step.
- Use exactly one tool per reply, then wait for the Observation.
- When you write code, put it in a fenced code block, for example ` + "```python" + `.
- Never invent an Observation; the system supplies it after your Action.
- When the task is done, or needs no tools at all, reply with Final Answer.`

// formatTemplate describes the action protocol the parser understands.
const formatTemplate = `## Format
To use a tool:
Thought: your plan for the next step
Action: one of [%s]
Action Input: the tool argument on a single line

For write_file, either put "filename || content" on the Action Input line,
or put only the filename there and the full content in a fenced code block
after it.

Each Action is answered with a line starting "Observation:".

When you are finished:
Thought: I know the answer
Final Answer: your answer to the user`

// SystemPrompt assembles the standing instructions: the preamble (the
// built-in persona when preamble is blank), one usage line per tool, and
// the action format naming the tools.
func SystemPrompt(preamble string, names, usages []string) string {
	preamble = strings.TrimSpace(preamble)
	if preamble == "" {
		preamble = basePreamble
	}

	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n\n## Tools\n")
	for i, u := range usages {
		fmt.Fprintf(&b, "%d. %s\n", i+1, u)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, formatTemplate, strings.Join(names, ", "))
	return b.String()
}

// ContinuePrompt is the observation sent when a reply has neither an
// action nor a final answer.
func ContinuePrompt() string {
	return "Please continue or use Final Answer."
}

// DefaultPreamble returns the built-in persona, as written by nexus init
// for customization.
func DefaultPreamble() string {
	return basePreamble
}
