package config

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"

	"tools.zach/dev/neildev/internal/migrate"
)

func init() {
	migrate.Config.Register(migrate.Migration{
		Version:     2,
		Description: "move flat device keys into [device] and [irq]",
		Upgrade:     upgradeV2,
	})
}

// v1Keys maps the flat v1 keys to their v2 section and key.
var v1Keys = map[string][2]string{
	"device_name":     {"device", "name"},
	"max_buffer_size": {"device", "write_capacity"},
	"irq_no":          {"irq", "line"},
}

// upgradeV2 rewrites a v1 document. Keys already present in a v2 section win
// over their flat counterparts.
func upgradeV2(data []byte) ([]byte, error) {
	doc := map[string]any{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse v1 config: %w", err)
	}

	for old, dst := range v1Keys {
		v, ok := doc[old]
		if !ok {
			continue
		}
		delete(doc, old)
		section, _ := doc[dst[0]].(map[string]any)
		if section == nil {
			section = map[string]any{}
			doc[dst[0]] = section
		}
		if _, exists := section[dst[1]]; !exists {
			section[dst[1]] = v
		}
	}
	doc["version"] = 2

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("encode v2 config: %w", err)
	}
	return buf.Bytes(), nil
}
