// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package domain

import "time"

// =============================================================================
// DATE GROUPING
// =============================================================================

// DateBucket labels a time-bucketed conversation group.
type DateBucket string

// Bucket labels, in display order.
const (
	BucketToday     DateBucket = "Today"
	BucketYesterday DateBucket = "Yesterday"
	BucketThisWeek  DateBucket = "This Week"
	BucketOlder     DateBucket = "Older"
)

// ConversationGroup is one time bucket of the conversation list.
type ConversationGroup struct {
	Label         DateBucket            `json:"label"`
	Conversations []ConversationSummary `json:"conversations"`
}

// GroupConversationsByDate buckets summaries by UpdatedAt relative to now:
// today is the local calendar day containing now, yesterday the 24h window
// before that day's start, this week the 7 days before that, and everything
// older lands in the last bucket. Buckets are computed at invocation time,
// never stored; empty buckets are omitted. Order within a bucket follows
// the input order.
func GroupConversationsByDate(summaries []ConversationSummary, now time.Time) []ConversationGroup {
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	startOfYesterday := startOfToday.AddDate(0, 0, -1)
	startOfWeek := startOfYesterday.AddDate(0, 0, -7)

	buckets := map[DateBucket][]ConversationSummary{}
	for _, s := range summaries {
		label := bucketFor(s.UpdatedAt, startOfToday, startOfYesterday, startOfWeek)
		buckets[label] = append(buckets[label], s)
	}

	groups := make([]ConversationGroup, 0, 4)
	for _, label := range []DateBucket{BucketToday, BucketYesterday, BucketThisWeek, BucketOlder} {
		if len(buckets[label]) > 0 {
			groups = append(groups, ConversationGroup{Label: label, Conversations: buckets[label]})
		}
	}
	return groups
}

func bucketFor(t, startOfToday, startOfYesterday, startOfWeek time.Time) DateBucket {
	switch {
	case !t.Before(startOfToday):
		return BucketToday
	case !t.Before(startOfYesterday):
		return BucketYesterday
	case !t.Before(startOfWeek):
		return BucketThisWeek
	default:
		return BucketOlder
	}
}
