// Package protocol parses the plain-text action format the agent asks the
// model to follow:
//
//	Thought: <reasoning>
//	Action: <tool name>
//	Action Input: <argument>
//
// and the terminal "Final Answer:" marker. Models follow the format
// loosely, so Parse never fails with an error: every outcome, including
// garbage, is a Result value the agent loop can turn into an observation.
package protocol

import (
	"regexp"
	"strings"
)

// Line markers recognized in a completion.
const (
	ThoughtMarker     = "Thought:"
	ActionMarker      = "Action:"
	InputMarker       = "Action Input:"
	FinalAnswerMarker = "Final Answer:"
)

// WriteFileAction is the action whose argument may fall back to the last
// fenced code block of the response.
const WriteFileAction = "write_file"

// Separator divides a write_file argument into filename and content.
const Separator = "||"

// Kind identifies which variant a Result holds.
type Kind int

const (
	// NoAction means the completion contained no Action line.
	NoAction Kind = iota
	// ActionFound means Result.Action is ready to execute.
	ActionFound
	// UnknownAction means the Action line named a tool that does not exist.
	UnknownAction
	// MalformedAction means a known tool was named but its argument could
	// not be assembled.
	MalformedAction
)

func (k Kind) String() string {
	switch k {
	case NoAction:
		return "no_action"
	case ActionFound:
		return "action"
	case UnknownAction:
		return "unknown_action"
	case MalformedAction:
		return "malformed_action"
	default:
		return "invalid"
	}
}

// Action is a single tool invocation extracted from a completion.
type Action struct {
	Name     string
	Argument string
	Raw      string // the full completion the action came from
}

// Result is the outcome of parsing one completion.
type Result struct {
	Kind    Kind
	Action  Action // set when Kind is ActionFound
	Name    string // the offending name when Kind is UnknownAction
	Reason  string // why, when Kind is MalformedAction
	Thought string // first Thought line, if any
}

// HasFinalAnswer reports whether text contains the terminal marker.
func HasFinalAnswer(text string) bool {
	return strings.Contains(text, FinalAnswerMarker)
}

// FinalAnswer returns the text following the first terminal marker,
// trimmed. It returns text unchanged when there is no marker.
func FinalAnswer(text string) string {
	_, after, found := strings.Cut(text, FinalAnswerMarker)
	if !found {
		return text
	}
	return strings.TrimSpace(after)
}

// fencedBlock matches a Markdown code fence with an optional info string.
var fencedBlock = regexp.MustCompile("(?s)```[\\w+.#-]*[ \\t]*\\r?\\n(.*?)```")

// Parse extracts the first action from text. known lists the valid tool
// names; a nil or empty list accepts any name.
//
// Markers are matched at the start of a line after leading whitespace.
// The first Action and the first Action Input line win and need not be
// adjacent. Action names are compared case-insensitively.
func Parse(text string, known []string) Result {
	var (
		res                 Result
		name, arg           string
		haveAction, haveArg bool
	)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case !haveArg && strings.HasPrefix(line, InputMarker):
			arg = cleanValue(strings.TrimPrefix(line, InputMarker))
			haveArg = true
		case !haveAction && strings.HasPrefix(line, ActionMarker):
			name = cleanName(strings.TrimPrefix(line, ActionMarker))
			haveAction = true
		case res.Thought == "" && strings.HasPrefix(line, ThoughtMarker):
			res.Thought = strings.TrimSpace(strings.TrimPrefix(line, ThoughtMarker))
		}
	}

	if !haveAction {
		res.Kind = NoAction
		return res
	}
	if name == "" {
		res.Kind = MalformedAction
		res.Reason = "the Action line names no tool"
		return res
	}
	if !isKnown(name, known) {
		res.Kind = UnknownAction
		res.Name = name
		return res
	}

	if name == WriteFileAction {
		resolved, reason := resolveWriteArgument(arg, text)
		if reason != "" {
			res.Kind = MalformedAction
			res.Reason = reason
			return res
		}
		arg = resolved
	}

	res.Kind = ActionFound
	res.Action = Action{Name: name, Argument: arg, Raw: text}
	return res
}

// resolveWriteArgument returns "filename || content". When the argument
// lacks the separator, the last fenced block of the response supplies
// the content and the argument is the filename.
func resolveWriteArgument(arg, text string) (string, string) {
	if strings.Contains(arg, Separator) {
		return arg, ""
	}

	filename := strings.TrimSpace(strings.ReplaceAll(arg, "`", ""))
	if filename == "" {
		return "", "write_file needs a filename: use `filename || content`, or name the file and put the content in a fenced code block"
	}

	blocks := fencedBlock.FindAllStringSubmatch(text, -1)
	if len(blocks) == 0 {
		return "", "write_file needs content: use `" + filename + " || content`, or put the content in a fenced code block"
	}
	content := blocks[len(blocks)-1][1]
	return filename + " " + Separator + " " + content, ""
}

// cleanValue trims whitespace and strips enclosing quote or backtick
// pairs, repeatedly, so `"ls"` and "`ls`" both yield ls. A double quote
// or backtick that appears only once, at either end, is dropped too;
// apostrophes are left alone so words like "users'" survive.
func cleanValue(s string) string {
	s = strings.TrimSpace(s)
	for len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first != last || !strings.ContainsRune("\"'`", rune(first)) {
			break
		}
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	for _, q := range []string{`"`, "`"} {
		if strings.Count(s, q) != 1 {
			continue
		}
		if strings.HasPrefix(s, q) {
			s = strings.TrimSpace(s[1:])
		} else if strings.HasSuffix(s, q) {
			s = strings.TrimSpace(s[:len(s)-1])
		}
	}
	return s
}

// cleanName normalizes an action name. Models decorate names in many
// ways: `shell`, [shell], shell(), "Shell".
func cleanName(s string) string {
	s = cleanValue(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	s = strings.TrimSuffix(s, "()")
	s = strings.Trim(s, "`*\"' \t")
	if i := strings.IndexAny(s, " \t("); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}

func isKnown(name string, known []string) bool {
	if len(known) == 0 {
		return true
	}
	for _, k := range known {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
