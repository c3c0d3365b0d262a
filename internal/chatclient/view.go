package chatclient

import (
	"time"

	"eventchat/internal/model"
	"eventchat/internal/service"
	"eventchat/pkg/transport"
)

// Entry 本地消息视图中的一条
type Entry struct {
	ID          uint
	TempID      string // 乐观插入时的临时ID，确认后的消息为空
	ChannelKey  string
	Sender      *transport.Sender
	Content     string
	MessageType string
	Attachments []model.Attachment
	Timestamp   time.Time
	IsEdited    bool
	EditedAt    *time.Time

	IsOwn     bool
	IsSending bool
	IsRead    bool // 自己的消息是否已被他人读过
	ReadByMe  bool
}

// entryFromView 由服务端消息构造本地条目
func entryFromView(m *service.MessageView, self uint) Entry {
	e := Entry{
		ID:          m.ID,
		ChannelKey:  m.ChannelKey,
		Sender:      m.Sender,
		Content:     m.Content,
		MessageType: m.MessageType,
		Attachments: m.Attachments,
		Timestamp:   m.Timestamp,
		IsEdited:    m.IsEdited,
		EditedAt:    m.EditedAt,
		IsOwn:       m.Sender != nil && m.Sender.ID == self,
		ReadByMe:    m.IsReadBy(self),
	}
	if e.IsOwn {
		for _, r := range m.ReadBy {
			if r.ReaderID != self {
				e.IsRead = true
				break
			}
		}
	}
	return e
}

// entryFromEvent 由实时事件构造本地条目
func entryFromEvent(ev transport.MessageCreated, self uint) Entry {
	return Entry{
		ID:          ev.MessageID,
		ChannelKey:  ev.ChannelKey,
		Sender:      ev.Sender,
		Content:     ev.Content,
		MessageType: ev.MessageType,
		Attachments: ev.Attachments,
		Timestamp:   ev.Timestamp,
		IsOwn:       ev.Sender != nil && ev.Sender.ID == self,
	}
}

// View 按时间排序的本地消息列表，每个消息ID只出现一次
// 已确认的消息按 (Timestamp, ID) 排序，发送中的临时条目始终排在末尾
type View struct {
	entries []Entry
	ids     map[uint]struct{}
}

func newView() *View {
	return &View{ids: make(map[uint]struct{})}
}

// Len 条目数（含发送中的临时条目）
func (v *View) Len() int { return len(v.entries) }

// Entries 返回副本
func (v *View) Entries() []Entry {
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// Has 是否已包含该消息
func (v *View) Has(id uint) bool {
	_, ok := v.ids[id]
	return ok
}

// Get 按消息ID查找
func (v *View) Get(id uint) (Entry, bool) {
	if i := v.index(id); i >= 0 {
		return v.entries[i], true
	}
	return Entry{}, false
}

func (v *View) addPending(e Entry) {
	e.IsSending = true
	v.entries = append(v.entries, e)
}

func (v *View) removePending(tempID string) bool {
	for i := range v.entries {
		if v.entries[i].TempID == tempID {
			v.entries = append(v.entries[:i], v.entries[i+1:]...)
			return true
		}
	}
	return false
}

// insert 按时间插入已确认的消息，已存在时返回 false
func (v *View) insert(e Entry) bool {
	if e.ID == 0 || v.Has(e.ID) {
		return false
	}
	e.TempID = ""
	e.IsSending = false

	// 从尾部向前找插入位置，实时消息通常落在末尾
	pos := v.confirmedLen()
	for pos > 0 && after(v.entries[pos-1], e) {
		pos--
	}
	v.entries = append(v.entries, Entry{})
	copy(v.entries[pos+1:], v.entries[pos:])
	v.entries[pos] = e
	v.ids[e.ID] = struct{}{}
	return true
}

func (v *View) remove(id uint) bool {
	i := v.index(id)
	if i < 0 {
		return false
	}
	v.entries = append(v.entries[:i], v.entries[i+1:]...)
	delete(v.ids, id)
	return true
}

func (v *View) update(id uint, fn func(*Entry)) bool {
	i := v.index(id)
	if i < 0 {
		return false
	}
	fn(&v.entries[i])
	return true
}

// oldest 最早一条已确认消息的时间
func (v *View) oldest() (time.Time, bool) {
	if v.confirmedLen() == 0 {
		return time.Time{}, false
	}
	return v.entries[0].Timestamp, true
}

// newest 最新一条已确认消息的时间
func (v *View) newest() (time.Time, bool) {
	n := v.confirmedLen()
	if n == 0 {
		return time.Time{}, false
	}
	return v.entries[n-1].Timestamp, true
}

func (v *View) confirmedLen() int {
	n := len(v.entries)
	for n > 0 && v.entries[n-1].IsSending {
		n--
	}
	return n
}

func (v *View) index(id uint) int {
	if !v.Has(id) {
		return -1
	}
	for i := range v.entries {
		if v.entries[i].ID == id && !v.entries[i].IsSending {
			return i
		}
	}
	return -1
}

func after(a, b Entry) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}
