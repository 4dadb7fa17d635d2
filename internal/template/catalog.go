package template

import (
	"fmt"
	"sort"
	"strings"
)

// FileOperations is the category holding the file transfer shortcuts
const FileOperations = "File Operations"

// ShortcutKind tells the caller what a shortcut dispatches
type ShortcutKind int

const (
	// CommandShortcut runs a rendered command on the targets
	CommandShortcut ShortcutKind = iota
	// CopyFromVMShortcut pulls a file from a source VM to the targets
	CopyFromVMShortcut
	// UploadShortcut uploads a local file to the targets
	UploadShortcut
)

// String returns the kind name
func (k ShortcutKind) String() string {
	switch k {
	case CommandShortcut:
		return "command"
	case CopyFromVMShortcut:
		return "copy-from-vm"
	case UploadShortcut:
		return "upload"
	default:
		return "unknown"
	}
}

// Shortcut is one named action of a category
type Shortcut struct {
	Category string
	Action   string
	Kind     ShortcutKind
	Command  string // template text, empty for file operations
}

// Label is the operator-facing name of the shortcut
func (s Shortcut) Label() string {
	return s.Category + " " + s.Action
}

// Category is an ordered group of shortcuts
type Category struct {
	Name    string
	Actions []Shortcut
}

// Catalog is the ordered shortcut hub
type Catalog struct {
	categories []Category
	engine     *TemplateEngine
}

const sudoPrefix = `echo {{ required "sudo_password" .SudoPassword | shellQuote }} | sudo -S `

func systemdActions(unit string) [][2]string {
	return [][2]string{
		{"Start", sudoPrefix + "systemctl start " + unit},
		{"Stop", sudoPrefix + "systemctl stop " + unit},
		{"Restart", sudoPrefix + "systemctl restart " + unit},
	}
}

// DefaultCatalog returns the built-in shortcut hub
func DefaultCatalog() *Catalog {
	c := &Catalog{engine: NewTemplateEngine()}

	concentrator := append(systemdActions("onelink-concentrator"), [2]string{
		"Clean",
		sudoPrefix + "systemctl stop onelink-concentrator && sudo rm -rf /opt/onelink-concentrator/data/kahadb/*.* && sudo -S systemctl start onelink-concentrator",
	})

	c.add("Concentrator", concentrator)
	c.add("Appserver", systemdActions("onelink-appserver"))
	c.add("nConnect-Adapter", systemdActions("onelink-nconnect"))
	c.add("Unload", [][2]string{
		{"Start", "sh start-unload.sh"},
		{"Stop", "sh stop-unload.sh"},
	})
	c.add("nConnect Mock", [][2]string{
		{"Start", "sh start-nconnectmock.sh"},
		{"Stop", "sh stop-nconnectmock.sh"},
	})
	c.add("MySQL", systemdActions("mysqld"))

	c.categories = append(c.categories, Category{
		Name: FileOperations,
		Actions: []Shortcut{
			{Category: FileOperations, Action: "Copy From VM", Kind: CopyFromVMShortcut},
			{Category: FileOperations, Action: "Upload and Copy Files", Kind: UploadShortcut},
		},
	})

	return c
}

func (c *Catalog) add(name string, actions [][2]string) {
	cat := Category{Name: name}
	for _, a := range actions {
		cat.Actions = append(cat.Actions, Shortcut{Category: name, Action: a[0], Command: a[1]})
	}
	c.categories = append(c.categories, cat)
}

// Categories returns the categories in display order
func (c *Catalog) Categories() []Category {
	out := make([]Category, len(c.categories))
	copy(out, c.categories)
	return out
}

// Merge adds configured shortcuts. Existing actions are replaced in place,
// new actions are appended in name order and new categories are placed
// before File Operations.
func (c *Catalog) Merge(extra map[string]map[string]string) error {
	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if strings.EqualFold(name, FileOperations) {
			return fmt.Errorf("category '%s' cannot be overridden", FileOperations)
		}

		actions := make([]string, 0, len(extra[name]))
		for action := range extra[name] {
			actions = append(actions, action)
		}
		sort.Strings(actions)

		idx := c.categoryIndex(name)
		if idx < 0 {
			idx = c.insertCategory(Category{Name: name})
		}
		cat := &c.categories[idx]

		for _, action := range actions {
			command := extra[name][action]
			if strings.TrimSpace(command) == "" {
				return fmt.Errorf("shortcut '%s %s' has an empty command", name, action)
			}
			if err := ValidateTemplate(command); err != nil {
				return fmt.Errorf("shortcut '%s %s': %w", name, action, err)
			}

			replaced := false
			for i := range cat.Actions {
				if strings.EqualFold(cat.Actions[i].Action, action) {
					cat.Actions[i].Command = command
					replaced = true
					break
				}
			}
			if !replaced {
				cat.Actions = append(cat.Actions, Shortcut{Category: cat.Name, Action: action, Command: command})
			}
		}
	}
	return nil
}

func (c *Catalog) categoryIndex(name string) int {
	for i, cat := range c.categories {
		if strings.EqualFold(cat.Name, name) {
			return i
		}
	}
	return -1
}

func (c *Catalog) insertCategory(cat Category) int {
	idx := c.categoryIndex(FileOperations)
	if idx < 0 {
		c.categories = append(c.categories, cat)
		return len(c.categories) - 1
	}
	c.categories = append(c.categories, Category{})
	copy(c.categories[idx+1:], c.categories[idx:])
	c.categories[idx] = cat
	return idx
}

// Lookup finds a shortcut by category and action, ignoring case
func (c *Catalog) Lookup(category, action string) (Shortcut, error) {
	idx := c.categoryIndex(category)
	if idx < 0 {
		return Shortcut{}, fmt.Errorf("unknown shortcut category '%s'", category)
	}
	for _, s := range c.categories[idx].Actions {
		if strings.EqualFold(s.Action, action) {
			return s, nil
		}
	}
	return Shortcut{}, fmt.Errorf("category '%s' has no action '%s'", c.categories[idx].Name, action)
}

// Render expands a command shortcut with the given variables
func (c *Catalog) Render(s Shortcut, vars map[string]string) (string, error) {
	if s.Kind != CommandShortcut {
		return "", fmt.Errorf("shortcut '%s' is a %s operation, not a command", s.Label(), s.Kind)
	}
	if !IsTemplate(s.Command) {
		return strings.TrimSpace(s.Command), nil
	}
	name := strings.ToLower(s.Label())
	if err := c.engine.RegisterTemplate(name, s.Command); err != nil {
		return "", fmt.Errorf("failed to render shortcut '%s': %w", s.Label(), err)
	}
	command, err := c.engine.ExecuteTemplate(name, NewTemplateContext(s.Category, s.Action, vars))
	if err != nil {
		return "", fmt.Errorf("failed to render shortcut '%s': %w", s.Label(), err)
	}
	return strings.TrimSpace(command), nil
}
