package inventory

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/QubesOS/qubes-ansible/pkg/errors"
)

// Parser turns an inventory source file into an Inventory.
type Parser interface {
	Parse(filePath string) (*Inventory, error)
}

// INIParser parses Ansible's INI inventory format.
type INIParser struct{}

func NewINIParser() *INIParser {
	return &INIParser{}
}

func (p *INIParser) Parse(filePath string) (*Inventory, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory file: %w", err)
	}

	inv := NewInventory()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	currentSection := ""
	currentGroup := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		// [group], [group:vars] or [group:children]
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section := line[1 : len(line)-1]
			switch {
			case strings.HasSuffix(section, ":vars"):
				currentGroup = strings.TrimSuffix(section, ":vars")
				currentSection = "vars"
			case strings.HasSuffix(section, ":children"):
				currentGroup = strings.TrimSuffix(section, ":children")
				currentSection = "children"
			default:
				currentGroup = section
				currentSection = "hosts"
			}
			inv.ensureGroup(currentGroup)
			continue
		}

		if err := p.parseLine(inv, line, currentSection, currentGroup); err != nil {
			return nil, errors.NewParseError(filePath, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewParseError(filePath, err)
	}

	inv.mergeHostVars()
	return inv, nil
}

func (p *INIParser) parseLine(inv *Inventory, line, section, group string) error {
	switch section {
	case "vars":
		return p.parseGroupVar(inv, line, group)
	case "children":
		return p.parseChild(inv, line, group)
	case "hosts":
		return p.parseHost(inv, line, group)
	default:
		// hosts before the first section header
		return p.parseHost(inv, line, "ungrouped")
	}
}

// parseHost handles "hostname [key=value ...]" lines.
func (p *INIParser) parseHost(inv *Inventory, line, group string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	vars := make(map[string]interface{})
	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("invalid host variable %q", part)
		}
		vars[key] = value
	}

	inv.addHost(parts[0], group, vars)
	return nil
}

func (p *INIParser) parseGroupVar(inv *Inventory, line, group string) error {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return fmt.Errorf("invalid variable line: %s", line)
	}
	g := inv.ensureGroup(group)
	g.Vars[strings.TrimSpace(key)] = strings.TrimSpace(value)
	return nil
}

func (p *INIParser) parseChild(inv *Inventory, line, group string) error {
	childName := strings.TrimSpace(line)
	child := inv.ensureGroup(childName)
	parent := inv.ensureGroup(group)

	if !contains(parent.Children, childName) {
		parent.Children = append(parent.Children, childName)
	}
	if !contains(child.Parents, group) {
		child.Parents = append(child.Parents, group)
	}
	return nil
}
