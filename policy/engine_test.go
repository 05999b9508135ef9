package policy

import (
	"testing"

	"github.com/codebroker/codebroker/storage"
	"github.com/codebroker/codebroker/tooldef"
)

func rule(pattern, decision string, priority int) *storage.AccessPolicy {
	return &storage.AccessPolicy{ToolPathPattern: pattern, Decision: decision, Priority: priority}
}

func actorRule(actorID, pattern, decision string) *storage.AccessPolicy {
	p := rule(pattern, decision, 0)
	p.ActorID = &actorID
	return p
}

func clientRule(clientID, pattern, decision string) *storage.AccessPolicy {
	p := rule(pattern, decision, 0)
	p.ClientID = &clientID
	return p
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"github.create_issue", "github.create_issue", true},
		{"github.create_issue", "github.create_pr", false},
		{"github.*", "github.create_issue", true},
		{"github.*", "github", false},
		{"*", "anything.at.all", true},
		{"*.delete_*", "github.delete_repo", true},
		{"*.delete_*", "github.create_repo", false},
		{"a*c", "abc", true},
		{"a*c", "ac", true},
		{"a*c", "acb", false},
	}

	for _, tt := range tests {
		if got := Compile(tt.pattern).Match(tt.path); got != tt.want {
			t.Errorf("Compile(%q).Match(%q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}

func TestDecide_NoCandidatesUsesDefault(t *testing.T) {
	ctx := Context{WorkspaceID: "w"}

	if got := Decide(ToolRef{Path: "github.create_issue"}, ctx, nil); got != Allow {
		t.Errorf("Decide() = %v, want %v", got, Allow)
	}

	required := ToolRef{Path: "github.create_issue", Approval: tooldef.ApprovalRequired}
	if got := Decide(required, ctx, nil); got != RequireApproval {
		t.Errorf("Decide() = %v, want %v", got, RequireApproval)
	}
}

func TestDecide_SpecificityWins(t *testing.T) {
	policies := []*storage.AccessPolicy{
		rule("github.*", "allow", 0),
		rule("github.delete_repo", "deny", 0),
	}

	ctx := Context{WorkspaceID: "w"}
	if got := Decide(ToolRef{Path: "github.delete_repo"}, ctx, policies); got != Deny {
		t.Errorf("Decide() = %v, want deny: exact pattern should outscore wildcard", got)
	}
	if got := Decide(ToolRef{Path: "github.list_repos"}, ctx, policies); got != Allow {
		t.Errorf("Decide() = %v, want allow", got)
	}
}

func TestDecide_ActorBonusBeatsPatternLength(t *testing.T) {
	policies := []*storage.AccessPolicy{
		rule("github.del", "allow", 0),
		actorRule("bot-1", "github.*", "deny"),
	}

	// actor match: 4 + 7 = 11 beats 10 for the longer anonymous pattern.
	got := Decide(ToolRef{Path: "github.del"}, Context{ActorID: "bot-1"}, policies)
	if got != Deny {
		t.Errorf("Decide() = %v, want deny: actor-scoped rule should win", got)
	}
}

func TestDecide_ActorFilterExcludes(t *testing.T) {
	policies := []*storage.AccessPolicy{
		actorRule("bot-1", "*", "deny"),
	}

	if got := Decide(ToolRef{Path: "github.x"}, Context{ActorID: "bot-2"}, policies); got != Allow {
		t.Errorf("Decide() = %v, want allow: rule scoped to another actor", got)
	}
	if got := Decide(ToolRef{Path: "github.x"}, Context{}, policies); got != Allow {
		t.Errorf("Decide() = %v, want allow: empty context actor never matches a scoped rule", got)
	}
}

func TestDecide_ClientBonus(t *testing.T) {
	policies := []*storage.AccessPolicy{
		rule("github.x", "allow", 0),
		clientRule("cli", "github.x", "require_approval"),
	}

	got := Decide(ToolRef{Path: "github.x"}, Context{ClientID: "cli"}, policies)
	if got != RequireApproval {
		t.Errorf("Decide() = %v, want require_approval: client bonus breaks the tie", got)
	}
}

func TestDecide_TieKeepsEarliest(t *testing.T) {
	policies := []*storage.AccessPolicy{
		rule("github.x", "deny", 0),
		rule("github.x", "allow", 0),
	}

	if got := Decide(ToolRef{Path: "github.x"}, Context{}, policies); got != Deny {
		t.Errorf("Decide() = %v, want deny: first inserted rule wins ties", got)
	}
}

func TestDecide_PriorityBreaksTies(t *testing.T) {
	policies := []*storage.AccessPolicy{
		rule("github.x", "deny", 0),
		rule("github.x", "allow", 1),
	}

	if got := Decide(ToolRef{Path: "github.x"}, Context{}, policies); got != Allow {
		t.Errorf("Decide() = %v, want allow: higher priority wins", got)
	}
}

func TestDecide_InvalidDecisionSkipped(t *testing.T) {
	policies := []*storage.AccessPolicy{
		rule("github.x", "block", 100),
		rule("github.*", "deny", 0),
	}

	if got := Decide(ToolRef{Path: "github.x"}, Context{}, policies); got != Deny {
		t.Errorf("Decide() = %v, want deny: unknown decision strings are ignored", got)
	}
}

func TestWorst(t *testing.T) {
	if got := Worst(Allow, RequireApproval); got != RequireApproval {
		t.Errorf("Worst() = %v, want require_approval", got)
	}
	if got := Worst(Deny, RequireApproval); got != Deny {
		t.Errorf("Worst() = %v, want deny", got)
	}
	if got := Worst(Allow, Allow); got != Allow {
		t.Errorf("Worst() = %v, want allow", got)
	}
}
