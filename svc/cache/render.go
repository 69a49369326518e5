package cache

import (
	"bytes"

	"github.com/alecthomas/chroma/v2"
	htmlfmt "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/pkg/errors"
)

// ChromaRender is the default renderer. An empty or unknown extension falls
// back to the plain-text lexer, so every input renders to escaped markup.
func ChromaRender(ext string, plaintext []byte) (string, error) {
	var lexer chroma.Lexer
	if ext != "" {
		lexer = lexers.Match("f." + ext)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := styles.Get("onedark")
	if style == nil {
		style = styles.Fallback
	}
	formatter := htmlfmt.New(
		htmlfmt.WithLineNumbers(true),
		htmlfmt.WithClasses(true),
	)

	iterator, err := lexer.Tokenise(nil, string(plaintext))
	if err != nil {
		return "", errors.Wrap(err, "tokenise")
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return "", errors.Wrap(err, "format")
	}
	return buf.String(), nil
}
