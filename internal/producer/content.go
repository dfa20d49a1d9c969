package producer

import (
	"strings"

	"github.com/driftlight/overlay-server/internal/aggregator"
)

// Show identifies the stream format currently on air.
type Show string

const (
	ShowVariety Show = "variety"
	ShowIronmon Show = "ironmon"
	ShowCoding  Show = "coding"
)

// Ticker content types.
const (
	ContentEmoteStats      = "emote_stats"
	ContentRecentFollows   = "recent_follows"
	ContentStreamGoals     = "stream_goals"
	ContentDailyStats      = "daily_stats"
	ContentIronmonRunStats = "ironmon_run_stats"
	ContentCommitStats     = "commit_stats"
	ContentBuildStatus     = "build_status"
)

// Interrupt types with fixed priorities.
const (
	InterruptAlert          = "alert"
	InterruptManualOverride = "manual_override"
	InterruptSubTrain       = "sub_train"
)

// defaultRotations are installed by change_show.
var defaultRotations = map[Show][]string{
	ShowVariety: {ContentEmoteStats, ContentRecentFollows, ContentStreamGoals, ContentDailyStats},
	ShowIronmon: {ContentIronmonRunStats, ContentEmoteStats, ContentRecentFollows, ContentDailyStats},
	ShowCoding:  {ContentCommitStats, ContentBuildStatus, ContentEmoteStats, ContentRecentFollows},
}

func rotationFor(show Show) []string {
	rotation, ok := defaultRotations[show]
	if !ok {
		rotation = defaultRotations[ShowVariety]
	}
	out := make([]string, len(rotation))
	copy(out, rotation)
	return out
}

func interruptPriority(interruptType string) int {
	switch interruptType {
	case InterruptAlert, InterruptManualOverride:
		return 100
	case InterruptSubTrain:
		return 50
	default:
		return 10
	}
}

func interruptDurationMS(interruptType string) int64 {
	switch interruptType {
	case InterruptAlert:
		return 10_000
	case InterruptSubTrain:
		return 300_000
	case InterruptManualOverride:
		return 30_000
	default:
		return 15_000
	}
}

// detectShow maps a channel-category update to a show. Configured category
// ids win; otherwise substring heuristics on the game name decide.
func detectShow(categoryMap map[string]Show, categoryID, categoryName string) (Show, bool) {
	if show, ok := categoryMap[categoryID]; ok {
		return show, true
	}

	name := strings.ToLower(categoryName)
	switch {
	case strings.Contains(name, "pokemon") && strings.Contains(name, "fire"):
		return ShowIronmon, true
	case strings.Contains(name, "software") || strings.Contains(name, "development"):
		return ShowCoding, true
	case strings.Contains(name, "just chatting"):
		return ShowVariety, true
	default:
		return "", false
	}
}

// Enricher supplies live data for ticker slots. The aggregator satisfies it.
type Enricher interface {
	GetEmoteStats() aggregator.EmoteStats
	GetRecentFollowers(limit int) []aggregator.Follower
	GetDailyStats() aggregator.DailyStats
}

const recentFollowLimit = 10

// fallbackData is shown when enrichment is unavailable, so the overlay
// never renders a blank frame.
func fallbackData(contentType string) map[string]interface{} {
	switch contentType {
	case ContentEmoteStats:
		return map[string]interface{}{"top_today": []interface{}{}, "top_alltime": []interface{}{}}
	case ContentRecentFollows:
		return map[string]interface{}{"followers": []interface{}{}}
	case ContentStreamGoals:
		return map[string]interface{}{"goals": []interface{}{}}
	case ContentDailyStats:
		return map[string]interface{}{"total_messages": 0, "total_follows": 0}
	case ContentIronmonRunStats:
		return map[string]interface{}{"run": nil, "attempt": 0}
	case ContentCommitStats:
		return map[string]interface{}{"commits_today": 0}
	case ContentBuildStatus:
		return map[string]interface{}{"status": "unknown"}
	default:
		return map[string]interface{}{}
	}
}

// fetchContent queries the enricher inside a recover guard: a panicking or
// absent enricher degrades to the fixed fallback payload.
func fetchContent(enricher Enricher, contentType string) (data interface{}) {
	defer func() {
		if r := recover(); r != nil {
			data = fallbackData(contentType)
		}
	}()

	if enricher == nil {
		return fallbackData(contentType)
	}

	switch contentType {
	case ContentEmoteStats:
		return enricher.GetEmoteStats()
	case ContentRecentFollows:
		return enricher.GetRecentFollowers(recentFollowLimit)
	case ContentDailyStats:
		return enricher.GetDailyStats()
	default:
		// Goals, ironmon and coding stats come from adapters that are not
		// part of the engine; the fixed payloads stand in.
		return fallbackData(contentType)
	}
}
