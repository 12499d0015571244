// Package translator wires the dialect pipelines into the registry.
// Importing it for side effects makes both dialects available.
package translator

import (
	_ "github.com/modelbridge/modelbridge/internal/translator/claude"
	_ "github.com/modelbridge/modelbridge/internal/translator/openai"
)
