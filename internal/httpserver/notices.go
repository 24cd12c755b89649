package httpserver

import (
	"sync"

	"chanlink/internal/domain"
)

const noticeKeep = 50

// NoticeLog keeps the most recent notices per (tenant, channel) for the
// notices endpoint. It implements the engine's Notifier and never
// blocks the caller.
type NoticeLog struct {
	mu      sync.Mutex
	entries map[string][]domain.Notice
}

func NewNoticeLog() *NoticeLog {
	return &NoticeLog{entries: make(map[string][]domain.Notice)}
}

func noticeKey(tenantID string, channel domain.Channel) string {
	return tenantID + "/" + string(channel)
}

func (l *NoticeLog) Notify(tenantID string, channel domain.Channel, n domain.Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := noticeKey(tenantID, channel)
	list := append(l.entries[key], n)
	if len(list) > noticeKeep {
		list = list[len(list)-noticeKeep:]
	}
	l.entries[key] = list
}

// Recent returns notices newest first.
func (l *NoticeLog) Recent(tenantID string, channel domain.Channel) []domain.Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.entries[noticeKey(tenantID, channel)]
	out := make([]domain.Notice, len(list))
	for i, n := range list {
		out[len(list)-1-i] = n
	}
	return out
}
