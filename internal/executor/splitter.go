package executor

import (
	"fmt"
	"strings"

	"github.com/toolsascode/sqlmigrate/internal/dialect"
)

// splitState tracks what lexical region the splitter is inside
type splitState int

const (
	stateNone splitState = iota
	stateSingleQuote
	stateDoubleQuote
	stateBacktick
	stateLineComment
	stateBlockComment
	stateDollarQuote
)

// splitStatements splits SQL text on statement boundaries. Semicolons
// inside string literals, quoted identifiers, comments and PostgreSQL
// dollar-quoted blocks are not boundaries; naive semicolon splitting would
// break trigger bodies and seeded string data.
func splitStatements(sqlText string, d dialect.Dialect) ([]string, error) {
	var statements []string
	var current strings.Builder

	state := stateNone
	dollarTag := ""
	runes := []rune(sqlText)

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch state {
		case stateNone:
			switch {
			case c == '\'':
				state = stateSingleQuote
			case c == '"':
				state = stateDoubleQuote
			case c == '`' && d == dialect.MySQL:
				state = stateBacktick
			case c == '-' && next == '-':
				state = stateLineComment
			case c == '#' && d == dialect.MySQL:
				state = stateLineComment
			case c == '/' && next == '*':
				state = stateBlockComment
				current.WriteRune(c)
				current.WriteRune(next)
				i++
				continue
			case c == '$' && d.SupportsDollarQuoting():
				if tag, ok := readDollarTag(runes[i:]); ok {
					state = stateDollarQuote
					dollarTag = tag
					current.WriteString(tag)
					i += len([]rune(tag)) - 1
					continue
				}
			case c == ';':
				appendStatement(&statements, current.String())
				current.Reset()
				continue
			}
		case stateSingleQuote:
			if c == '\'' {
				// '' is an escaped quote, not a terminator
				if next == '\'' {
					current.WriteRune(c)
					current.WriteRune(next)
					i++
					continue
				}
				state = stateNone
			}
			if c == '\\' && d == dialect.MySQL && next != 0 {
				// backslash escapes inside literals are a mysql behavior;
				// postgres with standard_conforming_strings treats a
				// backslash in a plain literal as ordinary text
				current.WriteRune(c)
				current.WriteRune(next)
				i++
				continue
			}
		case stateDoubleQuote:
			if c == '"' {
				state = stateNone
			}
		case stateBacktick:
			if c == '`' {
				state = stateNone
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNone
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateNone
				current.WriteRune(c)
				current.WriteRune(next)
				i++
				continue
			}
		case stateDollarQuote:
			if c == '$' {
				if tag, ok := readDollarTag(runes[i:]); ok && tag == dollarTag {
					state = stateNone
					dollarTag = ""
					current.WriteString(tag)
					i += len([]rune(tag)) - 1
					continue
				}
			}
		}

		current.WriteRune(c)
	}

	switch state {
	case stateSingleQuote, stateDoubleQuote, stateBacktick:
		return nil, &SyntaxError{Reason: "unterminated string literal or quoted identifier"}
	case stateBlockComment:
		return nil, &SyntaxError{Reason: "unterminated block comment"}
	case stateDollarQuote:
		return nil, &SyntaxError{Reason: fmt.Sprintf("unterminated dollar-quoted block %s", dollarTag)}
	}

	appendStatement(&statements, current.String())
	return statements, nil
}

// readDollarTag reads a $tag$ opener/closer at the start of runes
func readDollarTag(runes []rune) (string, bool) {
	if len(runes) == 0 || runes[0] != '$' {
		return "", false
	}
	for i := 1; i < len(runes); i++ {
		c := runes[i]
		if c == '$' {
			return string(runes[:i+1]), true
		}
		if !isTagRune(c) {
			return "", false
		}
	}
	return "", false
}

func isTagRune(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// appendStatement keeps a statement only if it has executable content
func appendStatement(statements *[]string, stmt string) {
	trimmed := strings.TrimSpace(stmt)
	if trimmed == "" || isCommentOnly(trimmed) {
		return
	}
	*statements = append(*statements, trimmed)
}

// isCommentOnly reports whether text contains nothing but comments
func isCommentOnly(text string) bool {
	for {
		text = strings.TrimSpace(text)
		switch {
		case text == "":
			return true
		case strings.HasPrefix(text, "--"):
			idx := strings.Index(text, "\n")
			if idx < 0 {
				return true
			}
			text = text[idx+1:]
		case strings.HasPrefix(text, "/*"):
			idx := strings.Index(text, "*/")
			if idx < 0 {
				return true
			}
			text = text[idx+2:]
		default:
			return false
		}
	}
}
