package config

import (
	"reflect"
	"sort"
	"strings"

	logx "trackerwatch/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the Discord token) are reported
// only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Discord.Token != newCfg.Discord.Token ||
		strings.TrimSpace(oldCfg.Discord.GuildID) != strings.TrimSpace(newCfg.Discord.GuildID) {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_set", strings.TrimSpace(newCfg.Discord.Token) != ""),
			logx.Bool("discord.guild_scoped", strings.TrimSpace(newCfg.Discord.GuildID) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.String("monitor.poll_interval", strings.TrimSpace(newCfg.Monitor.PollInterval)),
			logx.String("monitor.api_interval", strings.TrimSpace(newCfg.Monitor.APIInterval)),
			logx.Bool("monitor.endpoint_override", strings.TrimSpace(newCfg.Monitor.Endpoint) != ""),
		)
	}

	oD := ResolveDispatch(oldCfg.Dispatch)
	nD := ResolveDispatch(newCfg.Dispatch)
	if oD != nD {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", nD.Workers),
			logx.Int("dispatch.queue_size", nD.QueueSize),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
