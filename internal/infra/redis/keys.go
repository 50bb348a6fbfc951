package redis

import (
	"encoding/json"
	"fmt"
)

// Key layout shared by all components.
const (
	NodesUpdatesChannel = "blockchain:nodes:updates"
	nodePrefix          = "blockchain:nodes:"

	SchedulePeriodicKey = "alerts:schedule:periodic"
	ScheduleOneTimeKey  = "alerts:schedule:one_time"
	instancePrefix      = "alerts:instance:"
)

func NodeKey(chainID string) string { return nodePrefix + chainID }

// NodesPattern matches every node config key. The updates channel shares the
// prefix, so callers must skip NodesUpdatesChannel.
func NodesPattern() string { return nodePrefix + "*" }

// ChainIDFromNodeKey strips the node key prefix.
func ChainIDFromNodeKey(key string) string {
	if len(key) <= len(nodePrefix) {
		return ""
	}
	return key[len(nodePrefix):]
}

func FiredMarkerKey(instanceID string) string {
	return fmt.Sprintf("alerts:one_time:fired:%s", instanceID)
}

func InstanceKey(instanceID string) string { return instancePrefix + instanceID }

func InstancePattern() string { return instancePrefix + "*" }

// InstanceIDFromKey strips the instance key prefix.
func InstanceIDFromKey(key string) string {
	if len(key) <= len(instancePrefix) {
		return ""
	}
	return key[len(instancePrefix):]
}

func UserSettingsKey(userID string) string {
	return fmt.Sprintf("user:notifications:%s", userID)
}

func WalletNamesKey(userID string) string {
	return fmt.Sprintf("user:wallet_names:%s", userID)
}

func GroupSettingsKey(groupID string) string {
	return fmt.Sprintf("group:notifications:%s", groupID)
}

func TemplateSubscribersKey(templateID string) string {
	return fmt.Sprintf("template:subscribers:%s", templateID)
}

func ProviderStatusKey(providerID string) string {
	return fmt.Sprintf("provider:status:%s", providerID)
}

func ProviderStatusPattern() string { return "provider:status:*" }

func ProviderErrorsKey(providerID string) string {
	return fmt.Sprintf("provider:errors:%s", providerID)
}

func RPCCacheKey(network, digest string) string {
	return fmt.Sprintf("rpc:%s:%s", network, digest)
}

func marshal(v any) ([]byte, error) { return json.Marshal(v) }

func unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
