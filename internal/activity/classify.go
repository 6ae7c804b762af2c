// Package activity turns committed mutations into audit log entries and
// pushes each entry to the owning workspace's room.
package activity

import (
	"fmt"
	"time"
)

type Action string

const (
	ActionCreated   Action = "CREATED"
	ActionDeleted   Action = "DELETED"
	ActionMoved     Action = "MOVED"
	ActionRenamed   Action = "RENAMED"
	ActionUpdated   Action = "UPDATED"
	ActionScheduled Action = "SCHEDULED"
	ActionCommented Action = "COMMENTED"
	ActionInvited   Action = "INVITED"
)

type EntityKind string

const (
	EntityBoard   EntityKind = "board"
	EntityList    EntityKind = "list"
	EntityCard    EntityKind = "card"
	EntityComment EntityKind = "comment"
	EntityMember  EntityKind = "member"
)

type Op int

const (
	OpCreate Op = iota + 1
	OpDelete
	OpUpdate
	OpComment
	OpInvite
)

// CardState is the slice of a card the update rules compare.
type CardState struct {
	ListID      string
	ListTitle   string
	Title       string
	Description string
	DueDate     *time.Time
}

// Change describes one committed mutation.
//
// Title is the entity's current display name. For list renames PrevTitle holds
// the old name; for card updates Before and After carry both states. Subject
// names the related entity: the parent card of a comment or the invited user.
type Change struct {
	Op        Op
	Entity    EntityKind
	Title     string
	PrevTitle string
	Before    *CardState
	After     *CardState
	Subject   string
}

// Classify applies the rules in priority order and returns the first match.
// A change that matches nothing, such as an update that altered no tracked
// field, yields ok=false and must not be logged.
func Classify(c Change) (action Action, description string, ok bool) {
	switch c.Op {
	case OpCreate:
		return ActionCreated, c.Title, true
	case OpDelete:
		return ActionDeleted, c.Title, true
	case OpUpdate:
		if c.Entity == EntityCard {
			return classifyCard(c.Before, c.After)
		}
		if c.PrevTitle != c.Title {
			return ActionRenamed, renamed(c.PrevTitle, c.Title), true
		}
		return "", "", false
	case OpComment:
		return ActionCommented, fmt.Sprintf("on %q", c.Subject), true
	case OpInvite:
		return ActionInvited, c.Subject, true
	}
	return "", "", false
}

func classifyCard(before, after *CardState) (Action, string, bool) {
	if before == nil || after == nil {
		return "", "", false
	}
	switch {
	case before.ListID != after.ListID:
		return ActionMoved, fmt.Sprintf("%s from %s to %s", after.Title, before.ListTitle, after.ListTitle), true
	case before.Title != after.Title:
		return ActionRenamed, renamed(before.Title, after.Title), true
	case before.Description != after.Description:
		return ActionUpdated, after.Title, true
	case !sameTime(before.DueDate, after.DueDate):
		if after.DueDate == nil {
			return ActionScheduled, after.Title + " (due date cleared)", true
		}
		return ActionScheduled, fmt.Sprintf("%s (due %s)", after.Title, after.DueDate.UTC().Format("2006-01-02")), true
	}
	return "", "", false
}

func renamed(from, to string) string {
	return fmt.Sprintf("%q to %q", from, to)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
