// Package channel 频道键的构造与解析
//
// 群聊频道：event:<活动ID>
// 私聊频道：dm:<较小用户ID>:<较大用户ID>，与参与者顺序无关
package channel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	KindGroup  = "group"
	KindDirect = "direct"

	eventPrefix  = "event:"
	directPrefix = "dm:"

	// ProviderPrefix 实时通道中的频道名前缀
	ProviderPrefix = "chat:"
)

var ErrInvalidKey = errors.New("invalid channel key")

// Key 解析后的频道键
type Key struct {
	Kind    string
	EventID uint
	// 私聊参与者，A < B
	A, B uint
}

// EventKey 群聊频道键
func EventKey(eventID uint) string {
	return fmt.Sprintf("%s%d", eventPrefix, eventID)
}

// DirectKey 私聊频道键，参与者顺序无关
func DirectKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s%d:%d", directPrefix, a, b)
}

// ProviderName 实时通道频道名
func ProviderName(key string) string {
	return ProviderPrefix + key
}

// FromProviderName 由实时通道频道名还原频道键
func FromProviderName(name string) (string, bool) {
	if !strings.HasPrefix(name, ProviderPrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, ProviderPrefix), true
}

// Parse 解析频道键，只接受规范形式：ID无前导零，私聊参与者升序且不同
func Parse(key string) (Key, error) {
	k, err := parse(key)
	if err != nil {
		return Key{}, err
	}
	if k.String() != key {
		return Key{}, fmt.Errorf("%w: %q is not canonical", ErrInvalidKey, key)
	}
	return k, nil
}

func parse(key string) (Key, error) {
	switch {
	case strings.HasPrefix(key, eventPrefix):
		id, err := parseID(strings.TrimPrefix(key, eventPrefix))
		if err != nil {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		return Key{Kind: KindGroup, EventID: id}, nil
	case strings.HasPrefix(key, directPrefix):
		parts := strings.Split(strings.TrimPrefix(key, directPrefix), ":")
		if len(parts) != 2 {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		a, errA := parseID(parts[0])
		b, errB := parseID(parts[1])
		if errA != nil || errB != nil || a >= b {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		return Key{Kind: KindDirect, A: a, B: b}, nil
	}
	return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
}

// String 规范化后的频道键
func (k Key) String() string {
	if k.Kind == KindGroup {
		return EventKey(k.EventID)
	}
	return DirectKey(k.A, k.B)
}

// Has 私聊参与者是否包含指定用户
func (k Key) Has(userID uint) bool {
	return k.Kind == KindDirect && (k.A == userID || k.B == userID)
}

// Peer 私聊中对方的用户ID
func (k Key) Peer(userID uint) uint {
	if k.A == userID {
		return k.B
	}
	return k.A
}

func parseID(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, ErrInvalidKey
	}
	return uint(n), nil
}
