package vm

import (
	"fmt"
	"sort"
)

// DefaultSentinel resets a property to its qubesd default.
const DefaultSentinel = "*default*"

type propKind int

const (
	propBool propKind = iota
	propInt
	propString
	propDict
	propList
)

// propTypes is the set of accepted properties and the value type each one
// takes.
var propTypes = map[string]propKind{
	"autostart":            propBool,
	"debug":                propBool,
	"include_in_backups":   propBool,
	"kernel":               propString,
	"kernelopts":           propString,
	"label":                propString,
	"maxmem":               propInt,
	"memory":               propInt,
	"provides_network":     propBool,
	"template":             propString,
	"template_for_dispvms": propBool,
	"vcpus":                propInt,
	"virt_mode":            propString,
	"default_dispvm":       propString,
	"management_dispvm":    propString,
	"default_user":         propString,
	"guivm":                propString,
	"audiovm":              propString,
	"netvm":                propString,
	"ip":                   propString,
	"ip6":                  propString,
	"mac":                  propString,
	"qrexec_timeout":       propInt,
	"shutdown_timeout":     propInt,
	"features":             propDict,
	"services":             propList,
	"volumes":              propList,
}

// vmRefProps take a qube name as value; empty clears them and
// "*default*" resets to the qubesd default.
var vmRefProps = map[string]bool{
	"audiovm":           true,
	"default_dispvm":    true,
	"default_user":      true,
	"guivm":             true,
	"management_dispvm": true,
	"netvm":             true,
	"template":          true,
}

// checkPropType verifies a property value against the declared type.
func checkPropType(key string, val interface{}) error {
	kind, ok := propTypes[key]
	if !ok {
		return fmt.Errorf("invalid property %q", key)
	}
	switch kind {
	case propBool:
		if _, ok := val.(bool); !ok {
			return typeError(key)
		}
	case propInt:
		switch val.(type) {
		case int, int64, uint64:
		case float64:
			// json numbers decode as float64
		default:
			return typeError(key)
		}
	case propString:
		if _, ok := val.(string); !ok {
			return typeError(key)
		}
	case propDict:
		switch val.(type) {
		case map[string]interface{}, map[interface{}]interface{}:
		default:
			return typeError(key)
		}
	case propList:
		if _, ok := val.([]interface{}); !ok {
			return typeError(key)
		}
	}
	return nil
}

func typeError(key string) error {
	return fmt.Errorf("invalid property value type for %q", key)
}

// PropertyNames lists the accepted property keys, sorted.
func PropertyNames() []string {
	names := make([]string, 0, len(propTypes))
	for name := range propTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// propValueString renders a property value for the Admin API.
func propValueString(val interface{}) string {
	switch v := val.(type) {
	case bool:
		if v {
			return "True"
		}
		return "False"
	case float64:
		return fmt.Sprintf("%d", int64(v))
	default:
		return fmt.Sprintf("%v", v)
	}
}

// volumeSpec is one entry of the volumes property.
type volumeSpec struct {
	Name string
	Size int64
}

// parseVolumes validates the volumes property value: each entry needs a
// name (root or private) and a size, and root is only resizable on
// template-like qubes.
func parseVolumes(val interface{}, vmType string) ([]volumeSpec, error) {
	entries, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid volumes provided")
	}
	var volumes []volumeSpec
	for _, entry := range entries {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid volume provided: %v", entry)
		}
		name, ok := m["name"].(string)
		if !ok {
			return nil, fmt.Errorf("missing name for the volume: %v", entry)
		}
		size, err := volumeSize(m["size"])
		if err != nil {
			return nil, fmt.Errorf("missing size for the volume %q: %w", name, err)
		}
		if name != "root" && name != "private" {
			return nil, fmt.Errorf("wrong volume name %q", name)
		}
		if name == "root" && vmType != "TemplateVM" && vmType != "StandaloneVM" {
			return nil, fmt.Errorf("cannot change root volume size for %q", vmType)
		}
		volumes = append(volumes, volumeSpec{Name: name, Size: size})
	}
	return volumes, nil
}

func volumeSize(val interface{}) (int64, error) {
	switch v := val.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("not a number: %v", val)
	}
}
