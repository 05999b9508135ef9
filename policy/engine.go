package policy

import (
	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/tooldef"
)

// Context identifies who is invoking a tool.
type Context struct {
	WorkspaceID string
	ActorID     string
	ClientID    string
}

// ToolRef is the slice of a tool definition the engine needs.
type ToolRef struct {
	Path     string
	Approval tooldef.Approval
}

// Decide evaluates a tool path against the workspace's policies.
//
// Candidates are policies whose actor and client filters match the context
// (an empty policy field is a wildcard) and whose pattern matches the tool
// path. Each candidate scores
//
//	4*(actor matched exactly) + 2*(client matched exactly)
//	+ max(1, len(pattern without '*')) + priority
//
// and the highest score wins, ties broken by insertion order. With no
// candidate, the tool's static approval default decides.
func Decide(tool ToolRef, ctx Context, policies []*storage.AccessPolicy) Decision {
	var (
		best      Decision
		bestScore = -1 << 31
		found     bool
	)

	for _, p := range policies {
		decision := Decision(p.Decision)
		if !decision.IsValid() {
			continue
		}

		actorExact := false
		if p.ActorID != nil && *p.ActorID != "" {
			if ctx.ActorID == "" || *p.ActorID != ctx.ActorID {
				continue
			}
			actorExact = true
		}

		clientExact := false
		if p.ClientID != nil && *p.ClientID != "" {
			if ctx.ClientID == "" || *p.ClientID != ctx.ClientID {
				continue
			}
			clientExact = true
		}

		matcher := Compile(p.ToolPathPattern)
		if !matcher.Match(tool.Path) {
			continue
		}

		score := matcher.Specificity() + p.Priority
		if actorExact {
			score += 4
		}
		if clientExact {
			score += 2
		}

		// Strictly greater keeps the earliest candidate on ties.
		if score > bestScore {
			bestScore = score
			best = decision
			found = true
		}
	}

	if found {
		return best
	}
	if tool.Approval == tooldef.ApprovalRequired {
		return RequireApproval
	}
	return Allow
}
