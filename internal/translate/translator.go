// Package translate defines the single outbound translation primitive and the
// retrying caller the batch executor uses to invoke it.
package translate

import (
	"context"
	"fmt"
	"strings"
)

// Context describes where a source string comes from.
type Context struct {
	Kind           string
	EntityID       string
	Field          string
	SourceLanguage string
}

// Translator translates one string into one language. Implementations must
// return a throttled CallError when the provider signals rate limiting.
type Translator interface {
	TranslateUnit(ctx context.Context, sourceText, targetLanguage string, tc Context) (string, error)
}

// TranslatorFunc adapts a function to the Translator interface.
type TranslatorFunc func(ctx context.Context, sourceText, targetLanguage string, tc Context) (string, error)

func (f TranslatorFunc) TranslateUnit(ctx context.Context, sourceText, targetLanguage string, tc Context) (string, error) {
	return f(ctx, sourceText, targetLanguage, tc)
}

// EchoTranslator tags the source text with the target language. It backs dry
// runs and local development.
type EchoTranslator struct{}

func (EchoTranslator) TranslateUnit(ctx context.Context, sourceText, targetLanguage string, _ Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s] %s", strings.ToLower(targetLanguage), sourceText), nil
}
