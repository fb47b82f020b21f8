package events

import (
	"fmt"
	"strings"
)

const (
	// ChannelSystem receives every system event.
	ChannelSystem       = "system"
	ChannelAchievements = "system:achievements"
	ChannelElections    = "system:elections"
	ChannelRankings     = "system:rankings"

	// DefaultRoom holds persisted system messages without an explicit room.
	DefaultRoom = "global"

	topRankCutoff = 10
)

// Routes returns the subscriptions an event of kind is delivered to.
func Routes(kind Kind) []string {
	switch kind {
	case KindAchievement:
		return []string{ChannelSystem, ChannelAchievements}
	case KindLegislationUpdate, KindLobbyAttempt, KindLeaderboardUpdate:
		return []string{ChannelSystem, ChannelElections}
	case KindRankChange:
		return []string{ChannelSystem, ChannelRankings}
	default:
		return []string{ChannelSystem}
	}
}

// ShouldPersist applies the per-kind persistence policy to the caller's
// request. Leaderboard updates are never persisted and a requested rank
// change only when the old or new rank is in the top ten.
func ShouldPersist(ev Event, requested bool) bool {
	switch e := ev.(type) {
	case LeaderboardUpdate:
		return false
	case RankChange:
		return requested && (inTop(e.OldRank) || inTop(e.NewRank))
	default:
		return requested
	}
}

func inTop(rank int) bool {
	return rank >= 1 && rank <= topRankCutoff
}

// Format renders the human-readable text of a persisted system message.
func Format(ev Event) string {
	switch e := ev.(type) {
	case Achievement:
		if e.Points > 0 {
			return fmt.Sprintf("%s unlocked %q (+%d points)", e.UserID, e.Title, e.Points)
		}
		return fmt.Sprintf("%s unlocked %q", e.UserID, e.Title)
	case LegislationUpdate:
		return fmt.Sprintf("Bill %s %q is now %s (%d for, %d against)", e.BillID, e.Title, e.Status, e.VotesFor, e.VotesAgainst)
	case LobbyAttempt:
		outcome := "failed"
		if e.Success {
			outcome = "succeeded"
		}
		return fmt.Sprintf("%s lobbied bill %s with %.2f and %s", e.LobbyistID, e.BillID, e.Amount, outcome)
	case LeaderboardUpdate:
		return fmt.Sprintf("Leaderboard %s updated (%d entries)", e.Board, len(e.Entries))
	case RankChange:
		return fmt.Sprintf("%s moved %s on %s", e.UserID, describeMove(e.OldRank, e.NewRank), e.Board)
	default:
		return "System update"
	}
}

func describeMove(oldRank, newRank int) string {
	rank := func(r int) string {
		if r == 0 {
			return "unranked"
		}
		return fmt.Sprintf("#%d", r)
	}
	var b strings.Builder
	b.WriteString("from ")
	b.WriteString(rank(oldRank))
	b.WriteString(" to ")
	b.WriteString(rank(newRank))
	return b.String()
}
