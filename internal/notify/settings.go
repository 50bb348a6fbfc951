package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vietddude/chainlake/internal/infra/redis"
)

// DefaultSettingsTTL is the lifetime of a cached settings entry.
const DefaultSettingsTTL = time.Hour

// ChannelSettings enables a channel and carries its addressing, e.g.
// {"email": "a@b.c"}, {"webhook_url": ...} or {"phone": "+1..."}.
type ChannelSettings struct {
	Enabled bool              `json:"enabled"`
	Config  map[string]string `json:"config,omitempty"`
}

// UserNotificationSettings is stored under user:notifications:{user_id}.
type UserNotificationSettings struct {
	UserID               string                      `json:"user_id"`
	WebSocketEnabled     bool                        `json:"websocket_enabled"`
	NotificationsEnabled bool                        `json:"notifications_enabled"`
	Channels             map[Channel]ChannelSettings `json:"channels,omitempty"`
	PriorityRouting      map[Priority][]Channel      `json:"priority_routing,omitempty"`
	QuietHours           *QuietHours                 `json:"quiet_hours,omitempty"`
	Personalization      map[string]string           `json:"personalization,omitempty"`
	CachedAt             time.Time                   `json:"cached_at"`
}

// DefaultSettings returns the settings of a user with no stored entry:
// notifications on, websocket enabled, every other channel off.
func DefaultSettings(userID string) UserNotificationSettings {
	return UserNotificationSettings{
		UserID:               userID,
		WebSocketEnabled:     true,
		NotificationsEnabled: true,
		Channels:             map[Channel]ChannelSettings{},
	}
}

// ChannelEnabled reports whether the user accepts deliveries on c.
func (s UserNotificationSettings) ChannelEnabled(c Channel) bool {
	if !s.NotificationsEnabled {
		return false
	}
	if cs, ok := s.Channels[c]; ok {
		return cs.Enabled
	}
	return c == ChannelWebSocket && s.WebSocketEnabled
}

// ChannelConfig returns the addressing value key of channel c.
func (s UserNotificationSettings) ChannelConfig(c Channel, key string) string {
	return s.Channels[c].Config[key]
}

// RoutesPriority reports whether priority routing allows p on c. Users with no
// routing entry for p accept it everywhere.
func (s UserNotificationSettings) RoutesPriority(p Priority, c Channel) bool {
	routes, ok := s.PriorityRouting[p]
	if !ok {
		return true
	}
	for _, r := range routes {
		if r == c {
			return true
		}
	}
	return false
}

// GroupSettings is stored under group:notifications:{group_id}.
type GroupSettings struct {
	GroupID string   `json:"group_id"`
	Name    string   `json:"name,omitempty"`
	Members []string `json:"members"`
	Enabled bool     `json:"enabled"`
}

// SettingsStore reads and caches notification settings in Redis.
type SettingsStore struct {
	rdb goredis.Cmdable
	ttl time.Duration
	now func() time.Time
}

// NewSettingsStore returns a store caching entries for ttl.
func NewSettingsStore(rdb goredis.Cmdable, ttl time.Duration) *SettingsStore {
	if ttl <= 0 {
		ttl = DefaultSettingsTTL
	}
	return &SettingsStore{rdb: rdb, ttl: ttl, now: time.Now}
}

// Get returns the user's settings, or DefaultSettings when none are cached.
func (s *SettingsStore) Get(ctx context.Context, userID string) (UserNotificationSettings, error) {
	var out UserNotificationSettings
	found, err := redis.GetJSON(ctx, s.rdb, redis.UserSettingsKey(userID), &out)
	if err != nil {
		return UserNotificationSettings{}, fmt.Errorf("load settings for %s: %w", userID, err)
	}
	if !found {
		return DefaultSettings(userID), nil
	}
	if out.UserID == "" {
		out.UserID = userID
	}
	return out, nil
}

// Put caches settings with the store TTL.
func (s *SettingsStore) Put(ctx context.Context, settings UserNotificationSettings) error {
	if settings.UserID == "" {
		return errors.New("settings without user_id")
	}
	settings.CachedAt = s.now().UTC()
	return redis.SetJSON(ctx, s.rdb, redis.UserSettingsKey(settings.UserID), settings, s.ttl)
}

// Invalidate drops the cached entry of a user.
func (s *SettingsStore) Invalidate(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, redis.UserSettingsKey(userID)).Err()
}

func walletField(address, chainID string) string {
	return strings.ToLower(address) + ":" + chainID
}

// WalletName returns the user's nickname for address on chainID, or "".
func (s *SettingsStore) WalletName(ctx context.Context, userID, address, chainID string) (string, error) {
	name, err := s.rdb.HGet(ctx, redis.WalletNamesKey(userID), walletField(address, chainID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	return name, err
}

// SetWalletName stores a nickname.
func (s *SettingsStore) SetWalletName(ctx context.Context, userID, address, chainID, name string) error {
	return s.rdb.HSet(ctx, redis.WalletNamesKey(userID), walletField(address, chainID), name).Err()
}

// Group returns the settings of a group.
func (s *SettingsStore) Group(ctx context.Context, groupID string) (GroupSettings, bool, error) {
	var g GroupSettings
	found, err := redis.GetJSON(ctx, s.rdb, redis.GroupSettingsKey(groupID), &g)
	return g, found, err
}

// PutGroup stores group settings without a TTL.
func (s *SettingsStore) PutGroup(ctx context.Context, g GroupSettings) error {
	return redis.SetJSON(ctx, s.rdb, redis.GroupSettingsKey(g.GroupID), g, 0)
}

// TemplateSubscribers returns the sorted user ids subscribed to a template.
func (s *SettingsStore) TemplateSubscribers(ctx context.Context, templateID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, redis.TemplateSubscribersKey(templateID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Recipients expands a request's user_id into user ids: a "group:" prefix
// resolves to the enabled group's members, anything else is the user itself.
func (s *SettingsStore) Recipients(ctx context.Context, userID string) ([]string, error) {
	groupID, ok := strings.CutPrefix(userID, GroupPrefix)
	if !ok {
		return []string{userID}, nil
	}
	g, found, err := s.Group(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("load group %s: %w", groupID, err)
	}
	if !found || !g.Enabled {
		return nil, nil
	}
	return g.Members, nil
}
