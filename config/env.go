package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PEERLINK_"

// Bounds for environment overrides. Values outside are ignored with a warning.
const (
	// MinTimeout is the smallest accepted timeout or interval.
	MinTimeout = 10 * time.Millisecond
	// MaxTimeout is the largest accepted timeout or interval.
	MaxTimeout = 24 * time.Hour
	// MaxQueueLength is the largest accepted send queue threshold.
	MaxQueueLength = 1_000_000
	// MaxWorkers is the largest accepted reconnect pool size.
	MaxWorkers = 100
)

// ApplyEnvironment overrides cfg with PEERLINK_* environment variables.
// Unparsable or out-of-bounds values keep the current setting.
func ApplyEnvironment(cfg *Config) {
	parseStringSetting("NODE_ID", &cfg.NodeID)
	parseStringSetting("NICK", &cfg.Nick)
	parseStringSetting("TCP_LISTEN", &cfg.TCPListen)
	parseStringSetting("QUIC_LISTEN", &cfg.QUICListen)
	parseStringSetting("ADVERTISE_ADDRESS", &cfg.AdvertiseAddress)
	parseStringSetting("RELAY_NAME_PATTERN", &cfg.RelayNamePattern)
	parseListSetting("LAN_CIDRS", &cfg.LANCIDRs)

	parseBoolSetting("SUPERNODE", &cfg.Supernode)
	parseBoolSetting("USE_RELAYED_CONNECTIONS", &cfg.UseRelayedConnections)
	parseBoolSetting("USE_DATAGRAM_CONNECTIONS", &cfg.UseDatagramConnections)

	parseDurationSetting("DIAL_TIMEOUT", &cfg.DialTimeout)
	parseDurationSetting("HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout)
	parseDurationSetting("IDENTITY_REPLY_TIMEOUT", &cfg.IdentityReplyTimeout)
	parseDurationSetting("RELAYED_IDENTITY_REPLY_TIMEOUT", &cfg.RelayedIdentityReplyTimeout)
	parseDurationSetting("RELAY_ACK_TIMEOUT", &cfg.RelayAckTimeout)
	parseDurationSetting("KEEP_ALIVE_TIMEOUT", &cfg.KeepAliveTimeout)
	parseDurationSetting("RECONNECT_ATTEMPT_BUDGET", &cfg.ReconnectAttemptBudget)
	parseDurationSetting("RECONNECT_RESIZE_INTERVAL", &cfg.ReconnectResizeInterval)
	parseDurationSetting("RECONNECT_IDLE_WAIT", &cfg.ReconnectIdleWait)
	parseDurationSetting("MAX_NODE_OFFLINE_TIME", &cfg.MaxNodeOfflineTime)
	parseDurationSetting("RELAY_CONNECT_INTERVAL", &cfg.RelayConnectInterval)

	parseIntSetting("SEND_QUEUE_WARN", &cfg.SendQueueWarn, 1, MaxQueueLength)
	parseIntSetting("SEND_QUEUE_MAX", &cfg.SendQueueMax, 1, MaxQueueLength)
	parseIntSetting("RECONNECT_MIN_WORKERS", &cfg.ReconnectMinWorkers, 1, MaxWorkers)
	parseIntSetting("RECONNECT_MAX_WORKERS", &cfg.ReconnectMaxWorkers, 1, MaxWorkers)
	parseIntSetting("SUPERNODES_TO_CONNECT", &cfg.SupernodesToConnect, 0, MaxWorkers)
}

func parseStringSetting(name string, target *string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		*target = strings.TrimSpace(v)
	}
}

// parseListSetting reads a comma separated list.
func parseListSetting(name string, target *[]string) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return
	}
	var list []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	*target = list
}

func parseBoolSetting(name string, target *bool) {
	raw := os.Getenv(EnvPrefix + name)
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseBoolSetting",
			"env_var":     EnvPrefix + name,
			"value":       raw,
			"error":       err.Error(),
			"using_value": *target,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	*target = v
}

// parseDurationSetting accepts Go duration strings ("45s") and plain
// integers as milliseconds.
func parseDurationSetting(name string, target *time.Duration) {
	raw := os.Getenv(EnvPrefix + name)
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		ms, msErr := strconv.Atoi(raw)
		if msErr != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "parseDurationSetting",
				"env_var":     EnvPrefix + name,
				"value":       raw,
				"error":       err.Error(),
				"using_value": target.String(),
			}).Warn("Failed to parse environment variable, using default")
			return
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if d < MinTimeout || d > MaxTimeout {
		logrus.WithFields(logrus.Fields{
			"function":    "parseDurationSetting",
			"env_var":     EnvPrefix + name,
			"value":       d.String(),
			"min":         MinTimeout.String(),
			"max":         MaxTimeout.String(),
			"using_value": target.String(),
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*target = d
}

func parseIntSetting(name string, target *int, min, max int) {
	raw := os.Getenv(EnvPrefix + name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     EnvPrefix + name,
			"value":       raw,
			"error":       err.Error(),
			"using_value": *target,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if v < min || v > max {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     EnvPrefix + name,
			"value":       v,
			"min":         min,
			"max":         max,
			"using_value": *target,
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*target = v
}
