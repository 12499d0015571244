package openai

import (
	"github.com/modelbridge/modelbridge/internal/detect"
	"github.com/modelbridge/modelbridge/internal/translator/translator"
)

func init() {
	translator.Register(detect.FormatOpenAI, translator.Pipeline{
		Request:   ConvertOpenAIRequestToResponses,
		Response:  ConvertResponsesToOpenAI,
		NewStream: NewStreamState,
	})
}
