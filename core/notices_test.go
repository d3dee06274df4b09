package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func infoEntry(scope InfoScope, roles ...string) *Entry {
	e := &RoutineEndpoint{InfoEvents: true, InfoScope: scope, InfoPath: "/api/x/info"}
	for _, r := range roles {
		if e.InfoRoles == nil {
			e.InfoRoles = map[string]struct{}{}
		}
		e.InfoRoles[r] = struct{}{}
	}
	return &Entry{Routine: &Routine{}, Endpoint: e}
}

func drain(s *noticeSubscriber) []InfoNotice {
	var out []InfoNotice
	for {
		select {
		case n := <-s.ch:
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestNoticeRouterSelfScope(t *testing.T) {
	nr := newNoticeRouter(zap.NewNop().Sugar())
	entry := infoEntry(InfoScopeSelf)

	ada := nr.Subscribe(entry, "ada", nil)
	bob := nr.Subscribe(entry, "bob", nil)
	defer nr.Unsubscribe(ada)
	defer nr.Unsubscribe(bob)

	nr.BindExecution(101, entry, "ada")
	nr.Dispatch(101, "NOTICE", "hello")
	nr.UnbindExecution(101)

	got := drain(ada)
	require.Len(t, got, 1)
	assert.Equal(t, "NOTICE", got[0].Severity)
	assert.Equal(t, "hello", got[0].Message)
	assert.Empty(t, drain(bob))
}

func TestNoticeRouterAllScope(t *testing.T) {
	nr := newNoticeRouter(zap.NewNop().Sugar())
	entry := infoEntry(InfoScopeAll)

	ada := nr.Subscribe(entry, "ada", nil)
	anon := nr.Subscribe(entry, "", nil)
	defer nr.Unsubscribe(ada)
	defer nr.Unsubscribe(anon)

	nr.BindExecution(102, entry, "ada")
	nr.Dispatch(102, "INFO", "broadcast")

	assert.Len(t, drain(ada), 1)
	assert.Len(t, drain(anon), 1)
}

func TestNoticeRouterRoleFilter(t *testing.T) {
	nr := newNoticeRouter(zap.NewNop().Sugar())
	entry := infoEntry(InfoScopeAll, "admin")

	admin := nr.Subscribe(entry, "ada", []string{"admin"})
	viewer := nr.Subscribe(entry, "bob", []string{"viewer"})
	defer nr.Unsubscribe(admin)
	defer nr.Unsubscribe(viewer)

	nr.BindExecution(103, entry, "ada")
	nr.Dispatch(103, "NOTICE", "restricted")

	assert.Len(t, drain(admin), 1)
	assert.Empty(t, drain(viewer))
}

func TestNoticeRouterUnboundPIDDropped(t *testing.T) {
	nr := newNoticeRouter(zap.NewNop().Sugar())
	entry := infoEntry(InfoScopeAll)

	sub := nr.Subscribe(entry, "ada", nil)
	defer nr.Unsubscribe(sub)

	nr.Dispatch(999, "NOTICE", "orphan")
	assert.Empty(t, drain(sub))
}

func TestNoticeRouterEntryIsolation(t *testing.T) {
	nr := newNoticeRouter(zap.NewNop().Sugar())
	one := infoEntry(InfoScopeAll)
	other := infoEntry(InfoScopeAll)

	sub := nr.Subscribe(other, "ada", nil)
	defer nr.Unsubscribe(sub)

	nr.BindExecution(104, one, "ada")
	nr.Dispatch(104, "NOTICE", "wrong stream")
	assert.Empty(t, drain(sub))
}

func TestNoticeRouterFullQueueDrops(t *testing.T) {
	nr := newNoticeRouter(zap.NewNop().Sugar())
	entry := infoEntry(InfoScopeAll)

	sub := nr.Subscribe(entry, "ada", nil)
	defer nr.Unsubscribe(sub)

	nr.BindExecution(105, entry, "ada")
	for i := 0; i < noticeChanCap+10; i++ {
		nr.Dispatch(105, "NOTICE", "flood")
	}
	assert.Len(t, drain(sub), noticeChanCap)
}
