package telegraph

import (
	"regexp"
	"strings"
)

// Command is a parsed chat command. Arg is the raw text after the command
// word with surrounding whitespace removed; quoting inside it is preserved
// for the fragment parser.
type Command struct {
	Name string
	Arg  string
}

// knownCommands is the set of commands the router handles.
var knownCommands = map[string]bool{
	"start":   true,
	"help":    true,
	"init":    true,
	"pre":     true,
	"post":    true,
	"process": true,
	"reset":   true,
	"stop":    true,
	"status":  true,
}

// mentionRe matches Discord (<@ID>, <@!ID>) and Slack (<@U123>) mentions.
var mentionRe = regexp.MustCompile(`<@!?[A-Za-z0-9]+>`)

// parseCommand recognizes "/name arg" and "!name arg", optionally preceded by
// a bot mention. A Telegram-style "/name@bot" suffix is dropped. The second
// return is false for plain text.
func parseCommand(text string) (Command, bool) {
	text = strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))
	if len(text) < 2 || (text[0] != '/' && text[0] != '!') {
		return Command{}, false
	}
	text = text[1:]

	name, arg := text, ""
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		name, arg = text[:i], strings.TrimSpace(text[i+1:])
	}
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	name = strings.ToLower(name)
	if name == "" {
		return Command{}, false
	}
	return Command{Name: name, Arg: arg}, true
}

// isKnown reports whether the router handles cmd.
func (c Command) isKnown() bool { return knownCommands[c.Name] }

// helpText returns usage information for all commands.
func helpText() string {
	return "*Splicer commands*\n" +
		"`/init` start a session and its workspace\n" +
		"then upload one or more files\n" +
		"`/pre <options>` options placed before the inputs (or send `/pre` and the options as your next message)\n" +
		"`/post <options> [output.ext]` options placed after the inputs; a trailing file name picks the output format\n" +
		"`/process` run the media tool over your files\n" +
		"`/status` show your session\n" +
		"`/reset` clear files and options, keep the session\n" +
		"`/stop` end the session and cancel a running job\n" +
		"`/help` this message\n" +
		"Shell syntax (`; | & $( ) > <` and backticks) is not accepted."
}
