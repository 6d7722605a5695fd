package llm

// Operation names attached to errors and log records.
const (
	OperationTextCompletion     = "text_completion"
	OperationWebSearch          = "web_search"
	OperationListModels         = "list_models"
	OperationGetBalance         = "get_balance"
	OperationGetActivity        = "get_activity"
	OperationGetProviders       = "get_providers"
	OperationGetGeneration      = "get_generation"
	OperationStructuredGenerate = "structured_generate"
	OperationChatCompletion     = "chat_completion"
)

// Operations lists every known operation name.
var Operations = []string{
	OperationTextCompletion,
	OperationWebSearch,
	OperationListModels,
	OperationGetBalance,
	OperationGetActivity,
	OperationGetProviders,
	OperationGetGeneration,
	OperationStructuredGenerate,
	OperationChatCompletion,
}
