package reporting

import (
	"fmt"
	"strings"

	"github.com/scamguard/backend/internal/analytics/insights"
	"github.com/scamguard/backend/internal/storage/models"
)

// summarize writes the natural-language summary for a report type. Unknown
// types get a count-based summary of the report itself.
func summarize(report *GeneratedReport, sc *sectionContext) string {
	switch report.ReportType {
	case ReportExecutive:
		return executiveSummary(sc)
	case ReportPerformance:
		return performanceSummary(sc)
	case ReportSecurity:
		return securitySummary(sc)
	case ReportGeneral:
		return generalSummary(sc)
	default:
		return fmt.Sprintf("Report contains %d sections and %d insights for %s to %s.",
			len(report.Sections), len(report.Insights),
			report.PeriodStart.Format(dayLayout), report.PeriodEnd.Format(dayLayout))
	}
}

func executiveSummary(sc *sectionContext) string {
	s := sc.usage()
	var b strings.Builder

	if s.TotalMessages == 0 {
		b.WriteString("No messages were received in this period.")
	} else {
		fmt.Fprintf(&b, "%d users sent %d messages in this period with a %.1f%% success rate.",
			s.UniqueUsers, s.TotalMessages, s.SuccessRate)
	}

	if analysed := analysedCount(s.ClassificationBreakdown); analysed > 0 {
		scams := s.ClassificationBreakdown[models.ClassificationLikelyScam]
		fmt.Fprintf(&b, " %d of %d analysed postings (%.1f%%) were flagged as likely scams.",
			scams, analysed, float64(scams)/float64(analysed)*100)
	}

	fmt.Fprintf(&b, " System health is %s.", s.SystemHealth)

	if urgent := countImpact(sc.insights, insights.ImpactCritical, insights.ImpactHigh); urgent > 0 {
		fmt.Fprintf(&b, " %d insights need attention.", urgent)
	}
	return b.String()
}

func performanceSummary(sc *sectionContext) string {
	s := sc.usage()
	if s.TotalMessages == 0 {
		return fmt.Sprintf("No messages were processed in this period. System health is %s.", s.SystemHealth)
	}
	return fmt.Sprintf(
		"Average response time was %.2fs (median %.2fs, p95 %.2fs) across %d messages. "+
			"Error rate was %.1f%% and system health is %s.",
		s.AvgResponseTime, s.MedianResponseTime, s.P95ResponseTime, s.TotalMessages,
		s.ErrorRate, s.SystemHealth,
	)
}

func securitySummary(sc *sectionContext) string {
	s := sc.usage()
	analysed := analysedCount(s.ClassificationBreakdown)
	scams := s.ClassificationBreakdown[models.ClassificationLikelyScam]
	suspicious := s.ClassificationBreakdown[models.ClassificationSuspicious]

	var b strings.Builder
	if analysed == 0 {
		b.WriteString("No postings were analysed in this period.")
	} else {
		fmt.Fprintf(&b, "%d likely scam and %d suspicious postings were detected out of %d analysed (%.1f%% flagged).",
			scams, suspicious, analysed, float64(scams+suspicious)/float64(analysed)*100)
	}
	fmt.Fprintf(&b, " %d users are currently blocked.", s.BlockedUsers)
	if s.FailedMessages > 0 {
		fmt.Fprintf(&b, " %d messages failed processing.", s.FailedMessages)
	}
	return b.String()
}

func generalSummary(sc *sectionContext) string {
	s := sc.usage()
	if s.UniqueUsers == 0 {
		return "No user activity was recorded in this period."
	}

	hours := make([]string, len(s.PeakHours))
	for i, h := range s.PeakHours {
		hours[i] = fmt.Sprintf("%02d:00", h)
	}

	return fmt.Sprintf(
		"%d active users (%d new, %d returning) sent %d messages, %.1f per user on average. Peak hours were %s.",
		s.UniqueUsers, s.NewUsers, s.ReturningUsers, s.TotalMessages,
		s.Engagement.AvgInteractionsPerUser, strings.Join(hours, ", "),
	)
}

func analysedCount(breakdown map[string]int) int {
	total := 0
	for _, n := range breakdown {
		total += n
	}
	return total
}

func countImpact(found []insights.Insight, impacts ...insights.Impact) int {
	n := 0
	for _, in := range found {
		for _, impact := range impacts {
			if in.Impact == impact {
				n++
				break
			}
		}
	}
	return n
}
