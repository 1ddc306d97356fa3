package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for task observability spans and metrics.
var (
	AttrTaskID   = attribute.Key("task.id")
	AttrTeamName = attribute.Key("team.name")

	AttrAgentName = attribute.Key("agent.name")

	AttrBrainName    = attribute.Key("brain.name")
	AttrBrainModel   = attribute.Key("brain.model")
	AttrTokensInput  = attribute.Key("brain.tokens.input")
	AttrTokensOutput = attribute.Key("brain.tokens.output")
	AttrCostUSD      = attribute.Key("brain.cost_usd")
	AttrFinishReason = attribute.Key("brain.finish_reason")
	AttrStreamChunks = attribute.Key("brain.stream_chunks")

	AttrToolName   = attribute.Key("tool.name")
	AttrToolStatus = attribute.Key("tool.status")

	AttrEmbedTextCount  = attribute.Key("embedding.text_count")
	AttrEmbedDimensions = attribute.Key("embedding.dimensions")

	AttrEventType  = attribute.Key("event.type")
	AttrTaskStatus = attribute.Key("task.status")
)
