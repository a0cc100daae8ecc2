package core

import "strings"

// PermissionLevel is the breadth of contexts an agent may read.
type PermissionLevel string

const (
	PermSelf    PermissionLevel = "self"
	PermTeam    PermissionLevel = "team"
	PermSession PermissionLevel = "session"
	PermProject PermissionLevel = "project"
)

// ParsePermissionLevel maps stored text to the closed enum. Anything
// unrecognized collapses to PermSelf, the most restrictive level; a bad row
// must never widen visibility.
func ParsePermissionLevel(s string) PermissionLevel {
	switch PermissionLevel(strings.ToLower(strings.TrimSpace(s))) {
	case PermTeam:
		return PermTeam
	case PermSession:
		return PermSession
	case PermProject:
		return PermProject
	case PermSelf:
		return PermSelf
	default:
		return PermSelf
	}
}

// Scope is the requester's resolved visibility snapshot: identity,
// assignment, current team membership and stored permission level.
type Scope struct {
	AgentID   string
	ProjectID string
	SessionID string
	TeamIDs   []string
	Level     PermissionLevel
}

// CanSee reports whether the requesting scope may read ctx. Pure function:
// it only compares the scope against the record, including the team snapshot
// frozen on the context at write time. It never authorizes mutation.
func CanSee(req Scope, ctx Context) bool {
	switch req.Level {
	case PermProject:
		return req.ProjectID != "" && ctx.ProjectID == req.ProjectID
	case PermSession:
		return req.SessionID != "" && ctx.SessionID == req.SessionID
	case PermTeam:
		// Own records stay visible even for an agent with no team, and
		// the snapshot frozen on the record decides the rest.
		if ctx.AgentID == req.AgentID {
			return true
		}
		if req.SessionID == "" || ctx.SessionID != req.SessionID {
			return false
		}
		for _, mine := range req.TeamIDs {
			for _, theirs := range ctx.TeamIDs {
				if mine == theirs {
					return true
				}
			}
		}
		return false
	default:
		// PermSelf and any level the parser didn't recognize.
		return ctx.AgentID == req.AgentID
	}
}
