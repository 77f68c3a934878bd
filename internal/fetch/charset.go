package fetch

import (
	"mime"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// SniffCharset scans raw HTML bytes for a <meta charset=...> declaration
// using a small byte-level state machine. It is a pure function over the
// input and returns "" when no declaration is found. Only the document
// head matters in practice, but the scan tolerates arbitrary input,
// including truncated or malformed tags.
func SniffCharset(data []byte) string {
	const (
		stateText = iota
		stateTagOpen
		stateMetaTag
		stateCharsetKeyword
		stateBeforeValue
		stateValue
	)

	metaWord := []byte("meta")
	charsetWord := []byte("charset")

	state := stateText
	wordPos := 0
	var quote byte
	var value []byte

	for i := 0; i < len(data); i++ {
		b := data[i]
		switch state {
		case stateText:
			if b == '<' {
				state = stateTagOpen
				wordPos = 0
			}
		case stateTagOpen:
			switch {
			case wordPos < len(metaWord) && lower(b) == metaWord[wordPos]:
				wordPos++
				if wordPos == len(metaWord) {
					state = stateMetaTag
					wordPos = 0
				}
			case b == '<':
				wordPos = 0
			default:
				state = stateText
			}
		case stateMetaTag:
			switch {
			case b == '>':
				state = stateText
				wordPos = 0
			case lower(b) == charsetWord[wordPos]:
				wordPos++
				if wordPos == len(charsetWord) {
					state = stateCharsetKeyword
				}
			default:
				// restart the match, re-testing this byte as a first letter
				wordPos = 0
				if lower(b) == charsetWord[0] {
					wordPos = 1
				}
			}
		case stateCharsetKeyword:
			switch {
			case isSpace(b):
				// whitespace between "charset" and "=" is allowed
			case b == '=':
				state = stateBeforeValue
				quote = 0
			case b == '>':
				state = stateText
				wordPos = 0
			default:
				state = stateMetaTag
				wordPos = 0
			}
		case stateBeforeValue:
			switch {
			case isSpace(b):
			case b == '"' || b == '\'':
				quote = b
				state = stateValue
				value = value[:0]
			case b == '>':
				state = stateText
				wordPos = 0
			default:
				quote = 0
				state = stateValue
				value = append(value[:0], b)
			}
		case stateValue:
			done := false
			if quote != 0 {
				done = b == quote
			} else {
				// A quote also ends an unquoted value: charset=x inside a
				// quoted content attribute stops at the attribute's close.
				done = isSpace(b) || b == '>' || b == '/' || b == ';' || b == '"' || b == '\''
			}
			if done {
				if name := strings.TrimSpace(string(value)); name != "" {
					return name
				}
				state = stateText
				wordPos = 0
			} else {
				value = append(value, b)
			}
		}
	}

	// An unterminated unquoted value at EOF still counts.
	if state == stateValue && quote == 0 {
		if name := strings.TrimSpace(string(value)); name != "" {
			return name
		}
	}
	return ""
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f'
}

// DecodeHTML decodes raw page bytes to UTF-8. The charset comes from the
// Content-Type header when present, otherwise from a byte-level scan of
// the document itself, with UTF-8 as the final fallback.
func DecodeHTML(data []byte, contentType, pageURL string) (string, error) {
	name := ""
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			name = params["charset"]
		}
	}
	if name == "" {
		name = SniffCharset(data)
	}
	if name == "" || strings.EqualFold(name, "utf-8") {
		return string(data), nil
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return "", &FullTextDecodingError{newErr(pageURL, "unknown charset "+name, err)}
	}
	if enc == unicode.UTF8 {
		return string(data), nil
	}
	decoded, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return "", &FullTextDecodingError{newErr(pageURL, "decode "+name, err)}
	}
	return string(decoded), nil
}
