package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// resolvePlan merges [[defaults]] and [[environments."*"]] entries into every
// environment's entries, matching by name. Keys set on an environment entry
// win over wildcard keys, which win over defaults. Environment entries keep
// their declaration order; wildcard entries the environment does not name
// follow them in their own order.
func resolvePlan(rawDefaults, rawEnvs any) (map[string][]SupervisorConfig, error) {
	defaults, err := tables("defaults", rawDefaults)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]map[string]any, len(defaults))
	for _, d := range defaults {
		name := entryName(d)
		if name == "" {
			return nil, fmt.Errorf("defaults entry requires name")
		}
		byName[name] = d
	}

	envMap := map[string]any{}
	if rawEnvs != nil {
		m, ok := rawEnvs.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("environments must be a table of supervisor arrays, got %T", rawEnvs)
		}
		envMap = m
	}
	wildcard, err := tables("environments.*", envMap[Wildcard])
	if err != nil {
		return nil, err
	}

	out := make(map[string][]SupervisorConfig, len(envMap))
	for env, raw := range envMap {
		if env == Wildcard {
			continue
		}
		entries, err := tables("environments."+env, raw)
		if err != nil {
			return nil, err
		}
		resolved, err := resolveEnvironment(env, entries, wildcard, byName)
		if err != nil {
			return nil, err
		}
		out[env] = resolved
	}
	return out, nil
}

func resolveEnvironment(env string, entries, wildcard []map[string]any, defaults map[string]map[string]any) ([]SupervisorConfig, error) {
	wild := make(map[string]map[string]any, len(wildcard))
	for _, w := range wildcard {
		wild[entryName(w)] = w
	}
	seen := make(map[string]bool, len(entries))
	var out []SupervisorConfig
	add := func(layers ...map[string]any) error {
		sc, err := decodeEntry(merge(layers...))
		if err != nil {
			return fmt.Errorf("environment %s: %w", env, err)
		}
		if seen[sc.Name] {
			return fmt.Errorf("environment %s: duplicate supervisor %q", env, sc.Name)
		}
		seen[sc.Name] = true
		out = append(out, sc)
		return nil
	}
	for _, e := range entries {
		name := entryName(e)
		if name == "" {
			return nil, fmt.Errorf("environment %s: supervisor entry requires name", env)
		}
		if err := add(defaults[name], wild[name], e); err != nil {
			return nil, err
		}
	}
	for _, w := range wildcard {
		name := entryName(w)
		if name == "" || seen[name] {
			continue
		}
		if err := add(defaults[name], w); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func merge(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, l := range layers {
		for k, v := range l {
			out[strings.ToLower(k)] = v
		}
	}
	if _, ok := out["balance_cooldown"]; !ok {
		out["balance_cooldown"] = DefaultBalanceCooldown
	}
	switch b := out["balance"].(type) {
	case bool:
		if b {
			out["balance"] = "simple"
		} else {
			out["balance"] = "none"
		}
	}
	if q, ok := out["queue"].(string); ok {
		var queues []any
		for _, part := range strings.Split(q, ",") {
			if part = strings.TrimSpace(part); part != "" {
				queues = append(queues, part)
			}
		}
		out["queue"] = queues
	}
	return out
}

func decodeEntry(m map[string]any) (SupervisorConfig, error) {
	var sc SupervisorConfig
	sub := viper.New()
	if err := sub.MergeConfigMap(m); err != nil {
		return sc, err
	}
	if err := sub.Unmarshal(&sc); err != nil {
		return sc, fmt.Errorf("supervisor %v: %w", m["name"], err)
	}
	return sc, nil
}

func entryName(m map[string]any) string {
	for k, v := range m {
		if strings.EqualFold(k, "name") {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// tables accepts the shapes a TOML array of tables decodes into.
func tables(key string, raw any) ([]map[string]any, error) {
	switch t := raw.(type) {
	case nil:
		return nil, nil
	case []map[string]any:
		return t, nil
	case []any:
		out := make([]map[string]any, 0, len(t))
		for i, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s[%d]: expected table, got %T", key, i, item)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: expected array of tables, got %T", key, raw)
	}
}
