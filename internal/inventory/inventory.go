// Package inventory loads target groups from Ansible-style inventory files.
package inventory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fleetcmd/internal/target"

	"gopkg.in/yaml.v3"
)

// InventoryProvider defines the interface for inventory providers
type InventoryProvider interface {
	// LoadTargets loads every target in the inventory
	LoadTargets() ([]target.Target, error)
	// GetGroups returns available groups in the inventory
	GetGroups() ([]string, error)
	// GetTargetsByGroup returns the targets of a group and its children
	GetTargetsByGroup(group string) ([]target.Target, error)
}

// AnsibleInventory represents an Ansible inventory
type AnsibleInventory struct {
	path string
}

// NewAnsibleInventory creates a new Ansible inventory provider
func NewAnsibleInventory(path string) *AnsibleInventory {
	return &AnsibleInventory{path: path}
}

// AnsibleInventoryData represents the structure of an Ansible inventory
type AnsibleInventoryData struct {
	All struct {
		Children map[string]*AnsibleGroup `yaml:"children" json:"children"`
		Hosts    map[string]*AnsibleHost  `yaml:"hosts" json:"hosts"`
	} `yaml:"all" json:"all"`
}

// AnsibleGroup represents an Ansible inventory group
type AnsibleGroup struct {
	Hosts    map[string]*AnsibleHost  `yaml:"hosts" json:"hosts"`
	Children map[string]*AnsibleGroup `yaml:"children" json:"children"`
}

// AnsibleHost represents an Ansible inventory host; only the address matters here
type AnsibleHost struct {
	AnsibleHost string `yaml:"ansible_host" json:"ansible_host"`
}

// LoadTargets loads targets from the Ansible inventory
func (ai *AnsibleInventory) LoadTargets() ([]target.Target, error) {
	data, err := ai.loadInventoryData()
	if err != nil {
		return nil, err
	}

	c := newCollector()
	c.addHosts(data.All.Hosts)
	for _, name := range sortedKeys(data.All.Children) {
		c.addGroup(data.All.Children[name])
	}
	return c.result()
}

// GetGroups returns every group name in the inventory, sorted
func (ai *AnsibleInventory) GetGroups() ([]string, error) {
	data, err := ai.loadInventoryData()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var walk func(groups map[string]*AnsibleGroup)
	walk = func(groups map[string]*AnsibleGroup) {
		for name, g := range groups {
			seen[name] = true
			if g != nil {
				walk(g.Children)
			}
		}
	}
	walk(data.All.Children)

	groups := make([]string, 0, len(seen))
	for name := range seen {
		groups = append(groups, name)
	}
	sort.Strings(groups)
	return groups, nil
}

// GetTargetsByGroup returns targets filtered by group
func (ai *AnsibleInventory) GetTargetsByGroup(group string) ([]target.Target, error) {
	data, err := ai.loadInventoryData()
	if err != nil {
		return nil, err
	}

	groupData := findGroup(data.All.Children, group)
	if groupData == nil {
		return nil, fmt.Errorf("group '%s' not found in inventory", group)
	}

	c := newCollector()
	c.addGroup(groupData)
	return c.result()
}

// loadInventoryData loads and parses the inventory file
func (ai *AnsibleInventory) loadInventoryData() (*AnsibleInventoryData, error) {
	file, err := os.Open(ai.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory file: %w", err)
	}

	var data AnsibleInventoryData

	ext := strings.ToLower(filepath.Ext(ai.path))
	if ext == ".json" {
		err = json.Unmarshal(content, &data)
	} else {
		err = yaml.Unmarshal(content, &data)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse inventory file: %w", err)
	}

	return &data, nil
}

func findGroup(groups map[string]*AnsibleGroup, name string) *AnsibleGroup {
	for _, key := range sortedKeys(groups) {
		g := groups[key]
		if key == name {
			if g == nil {
				return &AnsibleGroup{}
			}
			return g
		}
		if g != nil {
			if found := findGroup(g.Children, name); found != nil {
				return found
			}
		}
	}
	return nil
}

// collector gathers addresses in a stable order, dropping duplicates
type collector struct {
	seen    map[string]bool
	targets []target.Target
	invalid []string
}

func newCollector() *collector {
	return &collector{seen: make(map[string]bool)}
}

func (c *collector) addHosts(hosts map[string]*AnsibleHost) {
	for _, name := range sortedKeys(hosts) {
		addr := name
		if h := hosts[name]; h != nil && h.AnsibleHost != "" {
			addr = h.AnsibleHost
		}
		if c.seen[addr] {
			continue
		}
		c.seen[addr] = true
		if !target.IsValidAddress(addr) {
			c.invalid = append(c.invalid, addr)
			continue
		}
		c.targets = append(c.targets, addr)
	}
}

func (c *collector) addGroup(g *AnsibleGroup) {
	if g == nil {
		return
	}
	c.addHosts(g.Hosts)
	for _, name := range sortedKeys(g.Children) {
		c.addGroup(g.Children[name])
	}
}

func (c *collector) result() ([]target.Target, error) {
	if len(c.invalid) > 0 {
		return nil, fmt.Errorf("inventory hosts must be IPv4 addresses: %s", target.InvalidMessage(c.invalid))
	}
	if len(c.targets) == 0 {
		return nil, fmt.Errorf("inventory selection contains no hosts")
	}
	return c.targets, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadInventoryFromFile loads inventory from a file based on its extension
func LoadInventoryFromFile(path string) (InventoryProvider, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yml", ".yaml", ".json":
		return NewAnsibleInventory(path), nil
	default:
		return nil, fmt.Errorf("unsupported inventory file format: %s", ext)
	}
}
