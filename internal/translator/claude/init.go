package claude

import (
	"github.com/modelbridge/modelbridge/internal/detect"
	"github.com/modelbridge/modelbridge/internal/translator/translator"
)

func init() {
	translator.Register(detect.FormatClaude, translator.Pipeline{
		Request:   ConvertClaudeRequestToResponses,
		Response:  ConvertResponsesToClaude,
		NewStream: NewStreamState,
	})
}
