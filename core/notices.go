package core

import (
	"sync"

	"go.uber.org/zap"
)

// noticeChanCap bounds one subscriber queue. A slow reader loses
// messages rather than stalling the connection that raised them.
const noticeChanCap = 64

// InfoNotice is one routed server message.
type InfoNotice struct {
	Severity string
	Message  string
}

// noticeSubscriber is one open SSE stream.
type noticeSubscriber struct {
	ch    chan InfoNotice
	entry *Entry
	user  string
	roles []string
}

// execBinding ties a backend PID to the request currently executing on
// that connection, so notices can be scoped back to their origin.
type execBinding struct {
	entry *Entry
	user  string
}

// NoticeRouter fans PostgreSQL notices raised during routine execution
// out to SSE subscribers, honoring the endpoint's scope and role filters.
// Dispatch runs on the driver's notice callback and never blocks.
type NoticeRouter struct {
	log  *zap.SugaredLogger
	subs sync.Map // *noticeSubscriber -> struct{}
	exec sync.Map // backend pid (uint32) -> execBinding
}

func newNoticeRouter(log *zap.SugaredLogger) *NoticeRouter {
	return &NoticeRouter{log: log}
}

// BindExecution records which endpoint and user run on the backend PID.
// Call UnbindExecution when the statement finishes.
func (nr *NoticeRouter) BindExecution(pid uint32, entry *Entry, user string) {
	nr.exec.Store(pid, execBinding{entry: entry, user: user})
}

func (nr *NoticeRouter) UnbindExecution(pid uint32) {
	nr.exec.Delete(pid)
}

// Subscribe opens one subscriber stream for an endpoint's info path.
func (nr *NoticeRouter) Subscribe(entry *Entry, user string, roles []string) *noticeSubscriber {
	s := &noticeSubscriber{
		ch:    make(chan InfoNotice, noticeChanCap),
		entry: entry,
		user:  user,
		roles: roles,
	}
	nr.subs.Store(s, struct{}{})
	return s
}

func (nr *NoticeRouter) Unsubscribe(s *noticeSubscriber) {
	nr.subs.Delete(s)
}

// Dispatch routes one notice raised on the given backend PID. Messages
// raised outside a bound execution are dropped.
func (nr *NoticeRouter) Dispatch(pid uint32, severity, message string) {
	v, ok := nr.exec.Load(pid)
	if !ok {
		return
	}
	b := v.(execBinding)
	e := b.entry.Endpoint
	if !e.InfoEvents {
		return
	}

	n := InfoNotice{Severity: severity, Message: message}
	nr.subs.Range(func(key, _ any) bool {
		s := key.(*noticeSubscriber)
		if s.entry != b.entry {
			return true
		}
		if !nr.admit(e, b, s) {
			return true
		}
		select {
		case s.ch <- n:
		default:
			// queue full: drop rather than block the notice callback
			if nr.log != nil {
				nr.log.Debugw("dropping notice for slow subscriber", "path", e.InfoPath)
			}
		}
		return true
	})
}

// admit applies the endpoint scope and role filters to one subscriber.
func (nr *NoticeRouter) admit(e *RoutineEndpoint, b execBinding, s *noticeSubscriber) bool {
	if len(e.InfoRoles) > 0 {
		held := false
		for _, r := range s.roles {
			if _, ok := e.InfoRoles[r]; ok {
				held = true
				break
			}
		}
		if !held {
			return false
		}
	}

	switch e.InfoScope {
	case InfoScopeAll:
		return true
	default:
		// Self and Matching both require the subscriber to be the user
		// whose request raised the notice.
		return s.user != "" && s.user == b.user
	}
}
