package domain

import "time"

// AI tool identifiers used for usage accounting.
const (
	ToolMentor           = "mentor"
	ToolSupplierAnalyzer = "supplier-analyzer"
)

// AIUsage counts AI tool invocations per user and calendar month.
type AIUsage struct {
	UserID    string
	Tool      string
	Period    string
	Count     int
	UpdatedAt time.Time
}

// UsagePeriod returns the YYYY-MM bucket for t in UTC.
func UsagePeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// MentorAnswer is the structured reply of the AI mentor.
type MentorAnswer struct {
	QuickWin      string `json:"quick_win"`
	DataDriven    string `json:"data_driven"`
	LongTermPlan  string `json:"long_term_plan"`
	MotivationEnd string `json:"motivation_end"`
}
