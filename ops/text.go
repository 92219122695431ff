package ops

import (
	"strings"
	"unicode"
	"unicode/utf8"

	jsonproc "github.com/xizhibei/go-json-processor"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TextOperation is an operation of the text family.
type TextOperation string

const (
	TextUppercase  TextOperation = "uppercase"
	TextLowercase  TextOperation = "lowercase"
	TextReverse    TextOperation = "reverse"
	TextWordCount  TextOperation = "word_count"
	TextCharCount  TextOperation = "char_count"
	TextCapitalize TextOperation = "capitalize"
)

// TextOperations lists the operations of the text family.
var TextOperations = []string{
	string(TextUppercase),
	string(TextLowercase),
	string(TextReverse),
	string(TextWordCount),
	string(TextCharCount),
	string(TextCapitalize),
}

// TextRequest is the payload of a text request. An absent text is empty.
type TextRequest struct {
	Text      string `json:"text"`
	Operation string `json:"operation"`
}

var textFields = fieldMessages{
	"text":      {Missing: "Text field is required for text operations"},
	"operation": {Missing: "Operation field must be a string"},
}

// HandleText handles requests of the text family.
func HandleText(c jsonproc.Context) {
	var req TextRequest
	if err := bind(c, &req, textFields); err != nil {
		c.ReplyError(err)
		return
	}

	result, err := Transform(TextOperation(req.Operation), req.Text)
	if err != nil {
		c.ReplyError(err)
		return
	}

	c.ReplyOK(jsonproc.Fields{
		"result":     result,
		"operation":  req.Operation,
		"input_text": req.Text,
	})
}

// Transform applies op to text. Counts are returned as int, every other
// operation returns a string.
func Transform(op TextOperation, text string) (interface{}, error) {
	switch op {
	case TextUppercase:
		return cases.Upper(language.Und).String(text), nil
	case TextLowercase:
		return cases.Lower(language.Und).String(text), nil
	case TextReverse:
		return reverse(text), nil
	case TextWordCount:
		return len(strings.Fields(text)), nil
	case TextCharCount:
		return utf8.RuneCountInString(text), nil
	case TextCapitalize:
		return capitalize(text), nil
	default:
		return nil, unknownOperation(jsonproc.TypeText, string(op), TextOperations)
	}
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

// capitalize title-cases the first code point and lower-cases the rest.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToTitle(r)) + cases.Lower(language.Und).String(s[size:])
}
