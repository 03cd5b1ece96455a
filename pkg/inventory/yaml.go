package inventory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/QubesOS/qubes-ansible/pkg/errors"
)

// YAMLParser parses Ansible's YAML inventory format:
//
//	all:
//	  hosts:
//	    work: {ansible_connection: qubes}
//	  children:
//	    appvms:
//	      hosts:
//	        personal:
//	      vars:
//	        ansible_connection: qubes
type YAMLParser struct{}

func NewYAMLParser() *YAMLParser {
	return &YAMLParser{}
}

type yamlGroup struct {
	Hosts    map[string]map[string]interface{} `yaml:"hosts"`
	Children map[string]*yamlGroup             `yaml:"children"`
	Vars     map[string]interface{}            `yaml:"vars"`
}

func (p *YAMLParser) Parse(filePath string) (*Inventory, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory file: %w", err)
	}

	var root map[string]*yamlGroup
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.NewParseError(filePath, err)
	}

	inv := NewInventory()
	for name, group := range root {
		if err := p.loadGroup(inv, name, "", group); err != nil {
			return nil, errors.NewParseError(filePath, err)
		}
	}

	inv.mergeHostVars()
	return inv, nil
}

func (p *YAMLParser) loadGroup(inv *Inventory, name, parent string, src *yamlGroup) error {
	group := inv.ensureGroup(name)
	if parent != "" && parent != name {
		if !contains(group.Parents, parent) {
			group.Parents = append(group.Parents, parent)
		}
		parentGroup := inv.ensureGroup(parent)
		if !contains(parentGroup.Children, name) {
			parentGroup.Children = append(parentGroup.Children, name)
		}
	}
	if src == nil {
		return nil
	}

	for k, v := range src.Vars {
		group.Vars[k] = v
	}
	for hostname, vars := range src.Hosts {
		if vars == nil {
			vars = map[string]interface{}{}
		}
		// the implicit all group holds every host already
		hostGroup := name
		if name == "all" {
			hostGroup = ""
		}
		inv.addHost(hostname, hostGroup, vars)
	}
	for childName, child := range src.Children {
		if err := p.loadGroup(inv, childName, name, child); err != nil {
			return err
		}
	}
	return nil
}
