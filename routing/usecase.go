package routing

import "github.com/martinemde/brandlens/llmcore"

// Use cases served by the default route table.
const (
	GeneralChat         llmcore.UseCase = "general_chat"
	ChatWidget          llmcore.UseCase = "chat_widget"
	AssessmentSummary   llmcore.UseCase = "assessment_summary"
	ReportSnapshot      llmcore.UseCase = "report_snapshot"
	ReportBlueprint     llmcore.UseCase = "report_blueprint"
	ReportBlueprintPlus llmcore.UseCase = "report_blueprint_plus"
	Refinement          llmcore.UseCase = "refinement"
)

// ReportUseCase returns the report use case for a tier (1-3).
func ReportUseCase(tier int) (llmcore.UseCase, bool) {
	switch tier {
	case 1:
		return ReportSnapshot, true
	case 2:
		return ReportBlueprint, true
	case 3:
		return ReportBlueprintPlus, true
	}
	return "", false
}
